// Package storage holds the message sources a run drains and the spool that
// dry runs write to.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"sheetmail/queue"
)

// ErrUnsupportedSource is returned for files whose extension no source
// understands.
var ErrUnsupportedSource = errors.New("storage: unsupported message source")

// Options locate the message fields inside a source. Column indexes are
// zero-based.
type Options struct {
	SheetIndex    int
	RowOffset     int
	ColTo         int
	ColSubject    int
	ColBody       int
	ColStatus     int
	StaticSubject string
	Table         string
	// ReadOnly keeps status updates in memory and never writes the source.
	ReadOnly bool
}

// DefaultOptions matches a sheet with a header row and the columns
// recipient, subject, body, status.
func DefaultOptions() Options {
	return Options{
		RowOffset:  1,
		ColTo:      0,
		ColSubject: 1,
		ColBody:    2,
		ColStatus:  3,
		Table:      "messages",
	}
}

// Open picks a source implementation by file extension.
func Open(path string, opts Options, log zerolog.Logger) (queue.Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return OpenWorkbook(path, opts, log)
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path, opts, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
	}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
