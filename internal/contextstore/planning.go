package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Planning entry kinds.
const (
	PlanEntryPlan           = "plan"
	PlanEntryReflection     = "reflection"
	PlanEntryRevision       = "revision"
	PlanEntryReplanDecision = "replan_decision"
	PlanEntryVerification   = "verification"
)

// PlanEntry is one record in a planning ledger. Payload carries the
// kind-specific fields flattened into the JSON object next to type and
// timestamp.
type PlanEntry struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// PlanningStore appends heterogeneous planning records to
// planning/<uuid>.jsonl. Each planning session within a run gets its own
// file; resume reopens the most recent one.
type PlanningStore struct {
	mu   sync.Mutex
	dir  string
	path string
}

// OpenPlanningStore reopens the newest planning ledger in the run directory,
// or creates a fresh one when none exists.
func OpenPlanningStore(runDir string) (*PlanningStore, error) {
	dir := filepath.Join(runDir, PlanningDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create planning dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read planning dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	s := &PlanningStore{dir: dir}
	if len(names) == 0 {
		s.path = filepath.Join(dir, uuid.NewString()+".jsonl")
		return s, nil
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := os.Stat(filepath.Join(dir, names[i]))
		b, _ := os.Stat(filepath.Join(dir, names[j]))
		if a == nil || b == nil {
			return names[i] < names[j]
		}
		return a.ModTime().Before(b.ModTime())
	})
	s.path = filepath.Join(dir, names[len(names)-1])
	return s, nil
}

// StartSession switches appends to a fresh ledger file. Called when
// replanning rewinds all the way back to planning.
func (s *PlanningStore) StartSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.path = filepath.Join(s.dir, id+".jsonl")
	return id
}

// Append writes one record of the given kind. payload must marshal to a JSON
// object; its fields are stored flattened next to type and timestamp.
func (s *PlanningStore) Append(kind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := map[string]any{
		"type":      kind,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal planning payload: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("planning payload must be an object: %w", err)
		}
		for k, v := range fields {
			if k == "type" || k == "timestamp" {
				continue
			}
			record[k] = v
		}
	}

	f, err := openAppend(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return appendJSONLine(f, record)
}

// All returns every record of the current ledger in append order.
func (s *PlanningStore) All() ([]PlanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PlanEntry
	err := forEachLine(s.path, func(line []byte) error {
		var raw map[string]any
		if err := unmarshalLine(line, &raw); err != nil {
			return err
		}
		e := PlanEntry{Payload: raw}
		if t, ok := raw["type"].(string); ok {
			e.Type = t
		}
		if ts, ok := raw["timestamp"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				e.Timestamp = parsed
			}
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
