package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"sheetmail/internal/logger"
	"sheetmail/queue"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite is a message source backed by a table with the columns id,
// recipients, subject, body and status. Pending rows are read one at a
// time in id order.
type SQLite struct {
	db      *sql.DB
	table   string
	opts    Options
	lastID  int64
	overlay map[queue.RowID]queue.Status
	log     zerolog.Logger
}

// OpenSQLite opens the database at path.
func OpenSQLite(path string, opts Options, log zerolog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	table := opts.Table
	if table == "" {
		table = "messages"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{
		db:      db,
		table:   table,
		opts:    opts,
		overlay: make(map[queue.RowID]queue.Status),
		log:     logger.OrNop(log).With().Str("table", table).Logger(),
	}, nil
}

func (s *SQLite) Next(ctx context.Context) (queue.Message, error) {
	query := fmt.Sprintf(
		`SELECT id, COALESCE(recipients, ''), COALESCE(subject, ''), COALESCE(body, ''), COALESCE(status, 0)
		 FROM %s WHERE id > ? ORDER BY id LIMIT 1`, s.table)
	for {
		var (
			msg    queue.Message
			id     int64
			status string
		)
		err := s.db.QueryRowContext(ctx, query, s.lastID).Scan(&id, &msg.To, &msg.Subject, &msg.Body, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Message{}, io.EOF
		}
		if err != nil {
			return queue.Message{}, err
		}
		s.lastID = id
		msg.Row = queue.RowID(id)

		st, err := queue.ParseStatus(status)
		if err != nil {
			s.log.Warn().Err(err).Int64("row", id).Msg("skipping row with unreadable status")
			continue
		}
		if over, ok := s.overlay[msg.Row]; ok {
			st = over
		}
		if st != queue.Pending {
			s.log.Debug().Int64("row", id).Stringer("status", st).Msg("row already processed")
			continue
		}
		if s.opts.StaticSubject != "" {
			msg.Subject = s.opts.StaticSubject
		}
		return msg, nil
	}
}

func (s *SQLite) SetStatus(ctx context.Context, row queue.RowID, status queue.Status) error {
	if s.opts.ReadOnly {
		s.overlay[row] = status
		return nil
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, s.table), int(status), int64(row))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("row %d not found", row)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
