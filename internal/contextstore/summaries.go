package contextstore

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Summary is one compression record in summaries.jsonl. StartSeq/EndSeq name
// the inclusive message band the summary replaces; the final run summary
// covers 1..LastSeq.
type Summary struct {
	ID             string    `json:"id"`
	StartSeq       int       `json:"start_seq"`
	EndSeq         int       `json:"end_seq"`
	Summary        string    `json:"summary"`
	OriginalTokens int       `json:"original_tokens"`
	SummaryTokens  int       `json:"summary_tokens"`
	Ratio          float64   `json:"ratio"`
	Timestamp      time.Time `json:"timestamp"`
}

// SummaryStore appends to and reads summaries.jsonl.
type SummaryStore struct {
	mu   sync.Mutex
	path string
}

func OpenSummaryStore(dir string) *SummaryStore {
	return &SummaryStore{path: filepath.Join(dir, SummariesFile)}
}

// Append stamps id/ratio/timestamp and writes the record.
func (s *SummaryStore) Append(sum Summary) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	if sum.Timestamp.IsZero() {
		sum.Timestamp = time.Now().UTC()
	}
	if sum.Ratio == 0 && sum.OriginalTokens > 0 {
		sum.Ratio = float64(sum.SummaryTokens) / float64(sum.OriginalTokens)
	}

	f, err := openAppend(s.path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	if err := appendJSONLine(f, sum); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// All returns every summary in append order.
func (s *SummaryStore) All() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Summary
	err := forEachLine(s.path, func(line []byte) error {
		var sum Summary
		if err := unmarshalLine(line, &sum); err != nil {
			return err
		}
		out = append(out, sum)
		return nil
	})
	return out, err
}

// Latest returns the most recent summary, or ok=false when none exist. At a
// completed run this is the final whole-run summary, which is what context
// inheritance seeds from.
func (s *SummaryStore) Latest() (Summary, bool, error) {
	all, err := s.All()
	if err != nil || len(all) == 0 {
		return Summary{}, false, err
	}
	return all[len(all)-1], true, nil
}

// Exists reports whether the summaries file is present and non-empty.
func (s *SummaryStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Size() > 0
}
