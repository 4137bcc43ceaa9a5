package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetmail/delivery"
	"sheetmail/queue"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mails.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE messages (
		id INTEGER PRIMARY KEY,
		recipients TEXT,
		subject TEXT,
		body TEXT,
		status INTEGER
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages (id, recipients, subject, body, status) VALUES
		(1, 'a@example.com', 's1', 'b1', NULL),
		(2, 'b@example.com', 's2', 'b2', 1),
		(5, 'c@example.com; d@example.com', 's3', 'b3', 0),
		(7, NULL, NULL, NULL, 0)`)
	require.NoError(t, err)
	return path
}

func readStatus(t *testing.T, path string, id int) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var st sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&st))
	return int(st.Int64)
}

func TestSQLiteReadsPendingInOrder(t *testing.T) {
	src, err := Open(seedDB(t), DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	msgs := collect(t, src)
	require.Len(t, msgs, 3)
	assert.Equal(t, queue.Message{Row: 1, To: "a@example.com", Subject: "s1", Body: "b1"}, msgs[0])
	assert.Equal(t, "c@example.com; d@example.com", msgs[1].To)
	assert.Equal(t, queue.RowID(7), msgs[2].Row)
	assert.Empty(t, msgs[2].Subject)
}

func TestSQLiteWritesStatus(t *testing.T) {
	path := seedDB(t)
	src, err := OpenSQLite(path, DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, src.SetStatus(context.Background(), 1, queue.Sent))
	require.NoError(t, src.SetStatus(context.Background(), 5, queue.Error))
	assert.Error(t, src.SetStatus(context.Background(), 99, queue.Sent))
	require.NoError(t, src.Close())

	assert.Equal(t, 1, readStatus(t, path, 1))
	assert.Equal(t, 2, readStatus(t, path, 5))
}

func TestSQLiteReadOnly(t *testing.T) {
	path := seedDB(t)
	opts := DefaultOptions()
	opts.ReadOnly = true
	opts.StaticSubject = "Fixed"
	src, err := OpenSQLite(path, opts, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	msg, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Fixed", msg.Subject)
	require.NoError(t, src.SetStatus(context.Background(), msg.Row, queue.Sent))
	assert.Equal(t, 0, readStatus(t, path, 1))
}

func TestSQLiteRejectsBadTable(t *testing.T) {
	opts := DefaultOptions()
	opts.Table = "messages; DROP TABLE x"
	_, err := OpenSQLite(seedDB(t), opts, zerolog.Nop())
	assert.Error(t, err)
}

// cancelingAccount delivers every message and cancels the run right after.
type cancelingAccount struct {
	cancel context.CancelFunc
}

func (a *cancelingAccount) Name() string            { return "acct" }
func (a *cancelingAccount) PeekNextSend() time.Time { return time.Time{} }
func (a *cancelingAccount) Close()                  {}

func (a *cancelingAccount) AttemptDelivery(ctx context.Context, msg delivery.Message) (delivery.Outcome, error) {
	a.cancel()
	return delivery.Delivered, nil
}

func TestSQLiteKeepsDeliveredStatusOnInterrupt(t *testing.T) {
	path := seedDB(t)
	src, err := OpenSQLite(path, DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched, err := queue.NewScheduler(&cancelingAccount{cancel: cancel})
	require.NoError(t, err)

	sum, err := queue.NewDispatcher(src, sched).Run(ctx)
	assert.ErrorIs(t, err, queue.ErrInterrupted)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, 1, readStatus(t, path, 1))
	assert.Equal(t, 0, readStatus(t, path, 5))
}
