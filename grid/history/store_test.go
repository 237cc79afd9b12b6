package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history.ghs")
}

func TestStore_FlushAndReload(t *testing.T) {
	path := tempStorePath(t)

	s, err := Open(path, 8)
	require.NoError(t, err)
	for ts := int64(1); ts <= 300; ts++ {
		s.Append(Record{Timestamp: ts, Entity: ts % 4, Value: float64(ts)})
	}
	require.NoError(t, s.Flush())
	assert.Zero(t, s.Pending())

	// A fresh store replays the file into an identical tree.
	reloaded, err := Open(path, 8)
	require.NoError(t, err)
	assert.Equal(t, s.Len(), reloaded.Len())
	assert.Equal(t, s.Scan(50, 100), reloaded.Scan(50, 100))
}

func TestStore_AppendVisibleBeforeFlush(t *testing.T) {
	s, err := Open("", 8)
	require.NoError(t, err)

	s.Append(Record{Timestamp: 5, Entity: 1, Value: 42})
	got := s.Scan(5, 5)
	require.Len(t, got, 1, "appended records are queryable immediately")
	assert.Equal(t, 42.0, got[0].Value)
}

func TestStore_InMemoryNeverTouchesDisk(t *testing.T) {
	s, err := Open("", 8)
	require.NoError(t, err)
	s.Append(Record{Timestamp: 1, Entity: 1, Value: 1})
	assert.NoError(t, s.Flush())
	assert.False(t, s.Degraded())
}

func TestStore_TruncatedTailDiscarded(t *testing.T) {
	// Chop a flushed file mid-page: reload must keep every whole page and
	// drop only the torn tail.
	path := tempStorePath(t)
	s, err := Open(path, 8)
	require.NoError(t, err)
	perPage := (DefaultPage - 6) / 24
	for ts := int64(0); ts < int64(perPage*3); ts++ {
		s.Append(Record{Timestamp: ts, Entity: 1, Value: float64(ts)})
	}
	require.NoError(t, s.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-100))

	reloaded, err := Open(path, 8)
	require.NoError(t, err, "a torn tail must not fail the load")
	assert.Equal(t, perPage*2, reloaded.Len(), "whole pages survive, the torn one is dropped")
}

func TestStore_CorruptTailDiscarded(t *testing.T) {
	// Flip bytes inside the last page: its CRC no longer matches and the
	// page is discarded on load.
	path := tempStorePath(t)
	s, err := Open(path, 8)
	require.NoError(t, err)
	perPage := (DefaultPage - 6) / 24
	for ts := int64(0); ts < int64(perPage+5); ts++ {
		s.Append(Record{Timestamp: ts, Entity: 1, Value: float64(ts)})
	}
	require.NoError(t, s.Flush())

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, 16+int64(DefaultPage)+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded, err := Open(path, 8)
	require.NoError(t, err)
	assert.Equal(t, perPage, reloaded.Len(), "corrupt second page dropped, first intact")
}

func TestStore_BadMagicRejected(t *testing.T) {
	path := tempStorePath(t)
	require.NoError(t, os.WriteFile(path, []byte("NOPE0000000000000"), 0o644))

	_, err := Open(path, 8)
	assert.Error(t, err)
}

func TestStore_Compact_DropsOldRecords(t *testing.T) {
	path := tempStorePath(t)
	s, err := Open(path, 8)
	require.NoError(t, err)
	for ts := int64(0); ts < 100; ts++ {
		s.Append(Record{Timestamp: ts, Entity: 1, Value: float64(ts)})
	}
	require.NoError(t, s.Flush())

	require.NoError(t, s.Compact(60))
	assert.Equal(t, 40, s.Len())
	assert.Empty(t, s.Scan(0, 59))
	assert.Len(t, s.Scan(60, 99), 40)

	// The rewrite is durable: a reload sees only the retained records.
	reloaded, err := Open(path, 8)
	require.NoError(t, err)
	assert.Equal(t, 40, reloaded.Len())
}

func TestStore_FlushRetriesThenDegrades(t *testing.T) {
	// Make the flush path unwritable by swapping the file for a directory:
	// flush retries, then reports degraded, but records stay queryable.
	path := tempStorePath(t)
	s, err := Open(path, 8)
	require.NoError(t, err)
	s.Append(Record{Timestamp: 1, Entity: 1, Value: 1})

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	err = s.Flush()
	assert.Error(t, err)
	assert.True(t, s.Degraded())
	assert.Len(t, s.Scan(1, 1), 1, "records survive in memory while degraded")

	// Make the path writable again: the next flush clears the flag.
	require.NoError(t, os.Remove(path))
	assert.NoError(t, s.Flush())
	assert.False(t, s.Degraded())
}

func TestStore_HeaderRoundTripsOrder(t *testing.T) {
	// The order is persisted in the header: reopening with a different
	// requested order keeps the on-disk one.
	path := tempStorePath(t)
	s, err := Open(path, 7)
	require.NoError(t, err)
	s.Append(Record{Timestamp: 1, Entity: 1, Value: 1})
	require.NoError(t, s.Flush())

	reloaded, err := Open(path, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.tree.Order())
}
