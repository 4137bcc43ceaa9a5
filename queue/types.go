package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RowID identifies a message within its source: a sheet row number or a
// table primary key.
type RowID int64

// Status is the processing state recorded next to every message.
type Status int

const (
	Pending Status = iota
	Sent
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus reads a status cell. Empty and "0" are Pending, "1" is Sent
// and "2" is Error. Spreadsheet numbers such as "1.0" are accepted.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Pending, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Pending, fmt.Errorf("invalid status %q", raw)
	}
	switch f {
	case 0:
		return Pending, nil
	case 1:
		return Sent, nil
	case 2:
		return Error, nil
	}
	return Pending, fmt.Errorf("invalid status %q", raw)
}

// Message is one row of the message source.
type Message struct {
	Row RowID
	// To is the raw recipient field; several addresses are separated by
	// ',' or ';'.
	To      string
	Subject string
	Body    string
	Status  Status
}

// Source yields pending messages in source order and records their
// terminal status in place.
type Source interface {
	// Next returns the next pending message, or io.EOF when none are left.
	Next(ctx context.Context) (Message, error)
	// SetStatus persists status for row before returning.
	SetStatus(ctx context.Context, row RowID, status Status) error
	Close() error
}
