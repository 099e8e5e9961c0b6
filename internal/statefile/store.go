// Package statefile persists one process-state record per task identity as a small JSON
// document under a runtime directory.
package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cronwrap/internal/proc"
)

// TimeLayout is the on-disk timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

var idPattern = regexp.MustCompile(`^[0-9a-f]{8,128}$`)

// Record is the decoded form of a state file. Zero times and a zero PID are written as
// absent keys.
type Record struct {
	Status    int
	LastStart time.Time
	LastStop  time.Time
	PID       int
}

type wireRecord struct {
	Status    *int    `json:"status"`
	LastStart *string `json:"lastStart,omitempty"`
	LastStop  *string `json:"lastStop,omitempty"`
	PID       *int    `json:"pid,omitempty"`
}

// Store reads and writes records under dir.
type Store struct {
	dir string
	loc *time.Location
}

// New returns a store rooted at dir. Timestamps are rendered in loc (time.Local when nil).
func New(dir string, loc *time.Location) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("runtime dir is required")
	}
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure runtime dir: %w", err)
	}
	return &Store{dir: dir, loc: loc}, nil
}

// Dir returns the runtime directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record file for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.dir, id+".lock")
}

// Load reads the record for id. The boolean is false when no record exists.
func (s *Store) Load(id string) (Record, bool, error) {
	if !idPattern.MatchString(id) {
		return Record{}, false, fmt.Errorf("invalid task identity %q", id)
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read state: %w", err)
	}
	rec, err := s.decode(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode state %s: %w", id, err)
	}
	return rec, true, nil
}

// Save replaces the record for id. An exclusive lock is held only around the write.
func (s *Store) Save(id string, rec Record) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid task identity %q", id)
	}
	data, err := s.encode(rec)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	unlock, err := proc.Lock(s.lockPath(id))
	if err != nil {
		return err
	}
	defer unlock()
	if err := writeFileAtomic(s.Path(id), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// IDs lists identities that have a record, sorted.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if idPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) encode(rec Record) ([]byte, error) {
	if rec.Status < 0 {
		return nil, fmt.Errorf("negative status %d", rec.Status)
	}
	status := rec.Status
	w := wireRecord{Status: &status}
	if !rec.LastStart.IsZero() {
		v := rec.LastStart.In(s.loc).Format(TimeLayout)
		w.LastStart = &v
	}
	if !rec.LastStop.IsZero() {
		v := rec.LastStop.In(s.loc).Format(TimeLayout)
		w.LastStop = &v
	}
	if rec.PID > 0 {
		pid := rec.PID
		w.PID = &pid
	}
	return json.Marshal(w)
}

func (s *Store) decode(data []byte) (Record, error) {
	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Record{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Record{}, errors.New("trailing content")
	}
	if w.Status == nil {
		return Record{}, errors.New("status is required")
	}
	if *w.Status < 0 {
		return Record{}, fmt.Errorf("negative status %d", *w.Status)
	}
	rec := Record{Status: *w.Status}
	var err error
	if w.LastStart != nil {
		if rec.LastStart, err = time.ParseInLocation(TimeLayout, *w.LastStart, s.loc); err != nil {
			return Record{}, fmt.Errorf("lastStart: %w", err)
		}
	}
	if w.LastStop != nil {
		if rec.LastStop, err = time.ParseInLocation(TimeLayout, *w.LastStop, s.loc); err != nil {
			return Record{}, fmt.Errorf("lastStop: %w", err)
		}
	}
	if w.PID != nil {
		if *w.PID <= 0 {
			return Record{}, fmt.Errorf("invalid pid %d", *w.PID)
		}
		rec.PID = *w.PID
	}
	return rec, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
