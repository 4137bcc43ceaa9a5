package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf, "run-1")
	j.Record(Entry{Row: 4, Account: "bob@mx:587", Outcome: "delivered"})
	j.Record(Entry{Row: 5, Outcome: "invalid_input", Err: errors.New("empty subject")})

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "run-1", lines[0]["run"])
	assert.Equal(t, float64(4), lines[0]["row"])
	assert.Equal(t, "bob@mx:587", lines[0]["account"])
	assert.Contains(t, lines[0], "time")
	assert.NotContains(t, lines[1], "account")
	assert.Equal(t, "empty subject", lines[1]["error"])
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	assert.False(t, j.Enabled())
	j.Record(Entry{Row: 1})
	assert.NoError(t, j.Close())
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	for i := 0; i < 2; i++ {
		j, err := Open(path, "run")
		require.NoError(t, err)
		assert.True(t, j.Enabled())
		j.Record(Entry{Row: int64(i), Outcome: "delivered"})
		require.NoError(t, j.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}
