package queue

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"sheetmail/delivery"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// memSource is an in-memory Source over rows kept in order.
type memSource struct {
	rows    []Message
	pos     int
	failSet error
	writes  []RowID
}

func newMemSource(rows ...Message) *memSource {
	for i := range rows {
		if rows[i].Row == 0 {
			rows[i].Row = RowID(i + 1)
		}
	}
	return &memSource{rows: rows}
}

func (m *memSource) Next(ctx context.Context) (Message, error) {
	for m.pos < len(m.rows) {
		msg := m.rows[m.pos]
		m.pos++
		if msg.Status == Pending {
			return msg, nil
		}
	}
	return Message{}, io.EOF
}

func (m *memSource) SetStatus(ctx context.Context, row RowID, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failSet != nil {
		return m.failSet
	}
	for i := range m.rows {
		if m.rows[i].Row == row {
			m.rows[i].Status = status
			m.writes = append(m.writes, row)
			return nil
		}
	}
	return errors.New("no such row")
}

func (m *memSource) Close() error { return nil }

func (m *memSource) statuses() []Status {
	out := make([]Status, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Status
	}
	return out
}

type attemptResult struct {
	outcome delivery.Outcome
	err     error
}

// stubAccount returns scripted outcomes and a fixed next-send instant.
type stubAccount struct {
	name     string
	next     time.Time
	results  []attemptResult
	attempts []delivery.Message
	onSend   func()
	closed   int
}

func (a *stubAccount) Name() string            { return a.name }
func (a *stubAccount) PeekNextSend() time.Time { return a.next }
func (a *stubAccount) Close()                  { a.closed++ }

func (a *stubAccount) AttemptDelivery(ctx context.Context, msg delivery.Message) (delivery.Outcome, error) {
	a.attempts = append(a.attempts, msg)
	if a.onSend != nil {
		a.onSend()
	}
	if len(a.results) == 0 {
		return delivery.Delivered, nil
	}
	r := a.results[0]
	a.results = a.results[1:]
	return r.outcome, r.err
}

func row(to, subject, body string) Message {
	return Message{To: to, Subject: subject, Body: body}
}

func sortedNames(accts []Account) []string {
	var names []string
	for _, a := range accts {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}
