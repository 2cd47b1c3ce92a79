// Package llmlog persists every raw LLM request and response body as JSONL,
// one dated file per day, kept apart from the general service logs.
package llmlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/notfolder/coding-agent/internal/logging"
)

const requestsSubdir = "requests"

// Writer appends one JSONL entry per LLM request/response under
// <dir>/requests/llm-<yyyy-mm-dd>.jsonl. The open file rolls over when the
// local date changes. Construct once at startup and pass it to the LLM
// client; methods are safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	dir    string
	day    string
	file   *os.File
	logger logging.Logger
	now    func() time.Time
}

type entry struct {
	Timestamp   string          `json:"timestamp"`
	EntryType   string          `json:"entry_type"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Status      int             `json:"status,omitempty"`
	BodyBytes   int             `json:"body_bytes"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadText string          `json:"payload_text,omitempty"`
}

// New returns a Writer rooted at dir. The dated file is created lazily on
// first write.
func New(dir string, logger logging.Logger) *Writer {
	return &Writer{
		dir:    dir,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// LogRequest records an outgoing request body.
func (w *Writer) LogRequest(provider, model string, body []byte) {
	w.append(entry{EntryType: "request", Provider: provider, Model: model}, body)
}

// LogResponse records a response body together with its HTTP status.
func (w *Writer) LogResponse(provider, model string, status int, body []byte) {
	w.append(entry{EntryType: "response", Provider: provider, Model: model, Status: status}, body)
}

// Close closes the currently open dated file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.day = ""
	return err
}

func (w *Writer) append(e entry, body []byte) {
	if len(body) == 0 {
		return
	}
	e.Timestamp = w.now().Format(time.RFC3339Nano)
	e.BodyBytes = len(body)
	if json.Valid(body) {
		e.Payload = json.RawMessage(body)
	} else {
		e.PayloadText = string(body)
	}

	line, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("llm log: encode entry: %v", err)
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(); err != nil {
		w.logger.Warn("llm log: %v", err)
		return
	}
	if _, err := w.file.Write(line); err != nil {
		w.logger.Warn("llm log: write entry: %v", err)
	}
}

// rotateLocked opens the file for today's date, closing yesterday's first.
func (w *Writer) rotateLocked() error {
	day := w.now().Format("2006-01-02")
	if w.file != nil && day == w.day {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir := filepath.Join(w.dir, requestsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "llm-"+day+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w.file = file
	w.day = day
	return nil
}
