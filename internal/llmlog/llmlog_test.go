package llmlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestWriterAppendsRequestAndResponse(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil)
	defer w.Close()

	w.LogRequest("openai", "gpt-4o", []byte(`{"messages":[]}`))
	w.LogResponse("openai", "gpt-4o", 200, []byte(`{"choices":[]}`))

	day := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, "requests", "llm-"+day+".jsonl")
	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	assert.Equal(t, "request", entries[0].EntryType)
	assert.Equal(t, "openai", entries[0].Provider)
	assert.Equal(t, "gpt-4o", entries[0].Model)
	assert.Zero(t, entries[0].Status)
	assert.JSONEq(t, `{"messages":[]}`, string(entries[0].Payload))

	assert.Equal(t, "response", entries[1].EntryType)
	assert.Equal(t, 200, entries[1].Status)
	assert.Equal(t, len(`{"choices":[]}`), entries[1].BodyBytes)
}

func TestWriterNonJSONBodyGoesToText(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil)
	defer w.Close()

	w.LogResponse("ollama", "llama3", 502, []byte("upstream timed out"))

	day := time.Now().Format("2006-01-02")
	entries := readEntries(t, filepath.Join(dir, "requests", "llm-"+day+".jsonl"))
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Payload)
	assert.Equal(t, "upstream timed out", entries[0].PayloadText)
}

func TestWriterSkipsEmptyBody(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil)
	defer w.Close()

	w.LogRequest("openai", "gpt-4o", nil)

	_, err := os.Stat(filepath.Join(dir, "requests"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterRollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil)
	defer w.Close()

	current := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return current }

	w.LogRequest("openai", "gpt-4o", []byte(`{"a":1}`))
	current = current.Add(2 * time.Minute)
	w.LogRequest("openai", "gpt-4o", []byte(`{"b":2}`))

	first := readEntries(t, filepath.Join(dir, "requests", "llm-2026-03-01.jsonl"))
	second := readEntries(t, filepath.Join(dir, "requests", "llm-2026-03-02.jsonl"))
	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}
