// Package contextstore implements the per-run on-disk context: append-only
// JSONL ledgers plus a lossy live window. The filesystem layout is the source
// of truth for a run; everything else (database rows, queue entries) can be
// rebuilt from it.
package contextstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names inside a run directory.
const (
	MessagesFile  = "messages.jsonl"
	CurrentFile   = "current.jsonl"
	SummariesFile = "summaries.jsonl"
	ToolsFile     = "tools.jsonl"
	PlanningDir   = "planning"
	MetadataFile  = "metadata.json"
	StateFile     = "task_state.json"
)

// Tool results are capped at 1 MiB before storage, but JSON escaping can
// grow a line well past that.
const maxLineBytes = 8 << 20

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// appendJSONLine marshals v and writes it as one newline-terminated line.
// The write is flushed to the fd before returning so a crash after Append
// never loses an acknowledged record.
func appendJSONLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// forEachLine streams every non-empty line of a JSONL file. A missing file
// is treated as empty.
func forEachLine(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return nil
}

func countLines(path string) (int, error) {
	n := 0
	err := forEachLine(path, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func unmarshalLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("parse record %.80q: %w", line, err)
	}
	return nil
}

// writeFileAtomic replaces path via a temp file and rename so readers never
// observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and atomically replaces path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ReadJSON loads a JSON file into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
