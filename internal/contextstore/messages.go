package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/notfolder/coding-agent/internal/token"
)

// Conversation roles. Tool results are stored under RoleTool with the tool
// name attached.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one full-history record in messages.jsonl. Seq starts at 1 and
// never repeats or decreases within a run.
type Message struct {
	Seq        int       `json:"seq"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolName   string    `json:"tool_name,omitempty"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// CurrentMessage is the minimal chat-shaped record kept in current.jsonl and
// sent to the model.
type CurrentMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// MessageStore owns messages.jsonl (append-only full history) and
// current.jsonl (the lossy live window). Appends hit both files; compression
// rewrites only the window.
type MessageStore struct {
	mu      sync.Mutex
	dir     string
	msgFile *os.File

	lastSeq       int
	current       []CurrentMessage
	currentTokens int
}

// OpenMessageStore opens (or creates) the store inside a run directory and
// rebuilds seq and window state from disk.
func OpenMessageStore(dir string) (*MessageStore, error) {
	s := &MessageStore{dir: dir}

	if err := forEachLine(s.messagesPath(), func(line []byte) error {
		var m Message
		if err := unmarshalLine(line, &m); err != nil {
			return err
		}
		if m.Seq > s.lastSeq {
			s.lastSeq = m.Seq
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := forEachLine(s.currentPath(), func(line []byte) error {
		var m CurrentMessage
		if err := unmarshalLine(line, &m); err != nil {
			return err
		}
		s.current = append(s.current, m)
		s.currentTokens += token.EstimateMessage(m.Content)
		return nil
	}); err != nil {
		return nil, err
	}

	f, err := openAppend(s.messagesPath())
	if err != nil {
		return nil, err
	}
	s.msgFile = f
	return s, nil
}

func (s *MessageStore) messagesPath() string { return filepath.Join(s.dir, MessagesFile) }
func (s *MessageStore) currentPath() string  { return filepath.Join(s.dir, CurrentFile) }

// Close releases the underlying file handle.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgFile == nil {
		return nil
	}
	err := s.msgFile.Close()
	s.msgFile = nil
	return err
}

// Append records a message in the full history and the live window and
// returns the stored record. toolName is empty except for tool results.
func (s *MessageStore) Append(role, content, toolName string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Message{
		Seq:        s.lastSeq + 1,
		Role:       role,
		Content:    content,
		ToolName:   toolName,
		TokenCount: token.EstimateMessage(content),
		Timestamp:  time.Now().UTC(),
	}
	if err := appendJSONLine(s.msgFile, m); err != nil {
		return Message{}, err
	}

	cur := CurrentMessage{Role: role, Content: content, ToolName: toolName}
	cf, err := openAppend(s.currentPath())
	if err != nil {
		return Message{}, err
	}
	appendErr := appendJSONLine(cf, cur)
	closeErr := cf.Close()
	if appendErr != nil {
		return Message{}, appendErr
	}
	if closeErr != nil {
		return Message{}, closeErr
	}

	s.lastSeq = m.Seq
	s.current = append(s.current, cur)
	s.currentTokens += m.TokenCount
	return m, nil
}

// LastSeq returns the highest assigned seq, 0 when empty.
func (s *MessageStore) LastSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// CurrentTokenCount is the token cost of the live window, per the internal
// estimator. This number drives compression decisions.
func (s *MessageStore) CurrentTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTokens
}

// CurrentMessages returns a copy of the live window in order.
func (s *MessageStore) CurrentMessages() []CurrentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CurrentMessage, len(s.current))
	copy(out, s.current)
	return out
}

// CurrentLen returns the number of records in the live window.
func (s *MessageStore) CurrentLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.current)
}

// ReplaceCurrent atomically rewrites the live window. The full history is
// untouched.
func (s *MessageStore) ReplaceCurrent(window []CurrentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	for _, m := range window {
		line, err := marshalLine(m)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
	}
	if err := writeFileAtomic(s.currentPath(), buf); err != nil {
		return err
	}

	s.current = make([]CurrentMessage, len(window))
	copy(s.current, window)
	s.currentTokens = 0
	for _, m := range window {
		s.currentTokens += token.EstimateMessage(m.Content)
	}
	return nil
}

// All streams every full-history record in seq order.
func (s *MessageStore) All() ([]Message, error) {
	s.mu.Lock()
	path := s.messagesPath()
	s.mu.Unlock()

	var out []Message
	err := forEachLine(path, func(line []byte) error {
		var m Message
		if err := unmarshalLine(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// RebuildCurrent regenerates current.jsonl from the tail of messages.jsonl.
// Used at resume time when the two files disagree, which can happen if the
// process died between the history write and the window write.
func (s *MessageStore) RebuildCurrent(keep int) error {
	all, err := s.All()
	if err != nil {
		return err
	}
	if keep <= 0 || keep > len(all) {
		keep = len(all)
	}
	window := make([]CurrentMessage, 0, keep)
	for _, m := range all[len(all)-keep:] {
		window = append(window, CurrentMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName})
	}
	return s.ReplaceCurrent(window)
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(data, '\n'), nil
}
