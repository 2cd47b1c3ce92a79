package contextstore

import (
	"path/filepath"
	"sync"
	"time"
)

// Tool call outcome values.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// ToolRecord is one entry in tools.jsonl. Seq is the tool ledger's own
// counter, independent of message seq.
type ToolRecord struct {
	Seq        int            `json:"seq"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Status     string         `json:"status"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToolStore appends to tools.jsonl.
type ToolStore struct {
	mu      sync.Mutex
	path    string
	lastSeq int
}

func OpenToolStore(dir string) (*ToolStore, error) {
	s := &ToolStore{path: filepath.Join(dir, ToolsFile)}
	err := forEachLine(s.path, func(line []byte) error {
		var r ToolRecord
		if err := unmarshalLine(line, &r); err != nil {
			return err
		}
		if r.Seq > s.lastSeq {
			s.lastSeq = r.Seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Append assigns the next seq, stamps the time, and writes the record.
func (s *ToolStore) Append(r ToolRecord) (ToolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	r.Seq = s.lastSeq
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	f, err := openAppend(s.path)
	if err != nil {
		return ToolRecord{}, err
	}
	defer f.Close()
	if err := appendJSONLine(f, r); err != nil {
		return ToolRecord{}, err
	}
	return r, nil
}

// All returns every tool record in append order.
func (s *ToolStore) All() ([]ToolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ToolRecord
	err := forEachLine(s.path, func(line []byte) error {
		var r ToolRecord
		if err := unmarshalLine(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
