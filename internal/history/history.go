// Package history keeps the cross-run record of every paper ever accepted.
//
// The store is a JSONL file of append-only records keyed by the exact
// (title, source) pair. A run loads one snapshot, filters its candidates
// against it, and persists the grown history with a single atomic replace;
// a concurrent reader sees either the pre-run or the fully updated file.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/util"
)

// maxLineBytes caps a single JSONL line when reading.
const maxLineBytes = 1024 * 1024

// Record is one accepted paper. Records are never removed.
type Record struct {
	Title        string    `json:"title"`
	Source       string    `json:"source"`
	FirstSeenUTC time.Time `json:"first_seen_utc"`
}

// Key returns the record's dedup key.
func (r Record) Key() model.Key {
	return model.Key{Title: r.Title, Source: r.Source}
}

// Store is an in-memory snapshot of the history file plus the additions made
// by this run. Load once per run; Save once after the novel set is known.
type Store struct {
	path    string
	records []Record
	seen    map[model.Key]struct{}
	now     func() time.Time
}

// Load reads the history snapshot at path. A missing file is an empty
// history, not an error.
func Load(path string) (*Store, error) {
	s := &Store{
		path: path,
		seen: make(map[model.Key]struct{}),
		now:  time.Now,
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("history line %d: %w", lineNum, err)
		}
		s.records = append(s.records, rec)
		s.seen[rec.Key()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return s, nil
}

// Len returns the number of records in the snapshot.
func (s *Store) Len() int {
	return len(s.records)
}

// FilterNovel returns the candidates absent from the history snapshot, in
// input order, and stages one record per distinct accepted key. Accepted keys
// go to a pending set rather than the lookup snapshot, so duplicates inside
// one batch still collapse to their first occurrence while the dedup decision
// stays a pure function of the snapshot read at load time.
func (s *Store) FilterNovel(candidates []model.Paper) []model.Paper {
	pending := make(map[model.Key]struct{})
	var novel []model.Paper
	for _, p := range candidates {
		key := p.Key()
		if key.IsZero() {
			continue
		}
		if _, ok := s.seen[key]; ok {
			continue
		}
		if _, ok := pending[key]; ok {
			continue
		}
		pending[key] = struct{}{}
		novel = append(novel, p)
	}

	now := s.now().UTC()
	for _, p := range novel {
		key := p.Key()
		s.records = append(s.records, Record{
			Title:        key.Title,
			Source:       key.Source,
			FirstSeenUTC: now,
		})
	}
	return novel
}

// Save persists the grown history with an atomic replace.
func (s *Store) Save() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode history record: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
