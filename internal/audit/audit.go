// Package audit keeps an append-only journal of terminal message outcomes,
// one JSON object per line.
package audit

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Entry is one journal line.
type Entry struct {
	Row     int64
	Account string
	Outcome string
	Err     error
}

// Journal writes entries tagged with the run id. A nil *Journal discards
// everything, so callers never need to check whether auditing is on.
type Journal struct {
	mu     sync.Mutex
	log    zerolog.Logger
	closer io.Closer
}

// New journals to w.
func New(w io.Writer, runID string) *Journal {
	return &Journal{
		log: zerolog.New(w).With().Timestamp().Str("run", runID).Logger(),
	}
}

// Open appends to the file at path, creating it when missing.
func Open(path, runID string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	j := New(f, runID)
	j.closer = f
	return j, nil
}

// Enabled reports whether entries are written anywhere.
func (j *Journal) Enabled() bool {
	return j != nil
}

// Record appends e.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := j.log.Log().Int64("row", e.Row).Str("outcome", e.Outcome)
	if e.Account != "" {
		ev = ev.Str("account", e.Account)
	}
	if e.Err != nil {
		ev = ev.Str("error", e.Err.Error())
	}
	ev.Send()
}

// Close releases the underlying file, if any.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
