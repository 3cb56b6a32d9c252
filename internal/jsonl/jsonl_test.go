package jsonl

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "records.jsonl")
	in := []record{{ID: "a", Score: 1.5}, {ID: "b", Score: 2, Note: "<x> & y"}}

	require.NoError(t, Write(path, in))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "<x> & y", "html must not be escaped")

	out, err := Read[record](path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	n, err := Count(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, Write(path, []record{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, Write(path, []record{{ID: "c"}}))

	out, err := Read[record](path)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].ID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n\n   \n{\"id\":\"b\"}"), 0644))

	out, err := Read[record](path)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	raw, err := ReadRaw(path)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.JSONEq(t, `{"id":"b"}`, string(raw[1]))
}

func TestReadReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n{broken\n"), 0644))

	_, err := Read[record](path)
	require.Error(t, err)

	var lineErr *LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, 2, lineErr.Line)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read[record](filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := OpenAppender(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Append(record{ID: "x", Score: 1}))
		}()
	}
	wg.Wait()
	require.NoError(t, a.Close())

	out, err := Read[record](path)
	require.NoError(t, err)
	assert.Len(t, out, 50)

	// Reopening appends rather than truncating.
	a, err = OpenAppender(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(record{ID: "y"}))
	require.NoError(t, a.Close())

	n, err := Count(path)
	require.NoError(t, err)
	assert.Equal(t, 51, n)
}
