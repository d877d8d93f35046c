package journal_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordkv/coordstore/journal"
)

const testSegmentSize = 1024 * 1024

func openLog(t *testing.T, dir string, segmentSize int64) *journal.Log {
	t.Helper()
	l, err := journal.OpenLog(dir, segmentSize, false)
	require.Nil(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendAll(t *testing.T, l *journal.Log, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := l.Writer().Append(1, []byte(p))
		require.Nil(t, err)
	}
}

func TestAppendCommitRead(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)

	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(0), l.LastIndex())

	appendAll(t, l, "A", "B", "C")
	assert.Equal(t, int64(3), l.LastIndex())

	require.Nil(t, l.Writer().Commit(3))
	assert.Equal(t, int64(3), l.CommitIndex())

	for i, want := range []string{"A", "B", "C"} {
		e, err := l.Read(int64(i + 1))
		require.Nil(t, err)
		assert.Equal(t, int64(i+1), e.Index)
		assert.Equal(t, want, string(e.Payload))
	}

	_, err := l.Read(4)
	assert.IsType(t, journal.OutOfBoundsError{}, err)
	_, err = l.Read(0)
	assert.IsType(t, journal.OutOfBoundsError{}, err)
}

func TestCommitSemantics(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a", "b", "c", "d")

	w := l.Writer()
	require.Nil(t, w.Commit(2))
	assert.Equal(t, int64(2), l.CommitIndex())

	// monotonic: lower commits are no-ops
	require.Nil(t, w.Commit(1))
	assert.Equal(t, int64(2), l.CommitIndex())

	// commitIndex can never pass lastIndex
	err := w.Commit(9)
	assert.IsType(t, journal.OutOfBoundsError{}, err)
	assert.Equal(t, int64(2), l.CommitIndex())

	require.Nil(t, w.Commit(4))
	assert.Equal(t, int64(4), l.CommitIndex())
}

func TestTruncate(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9", "e10")

	w := l.Writer()
	require.Nil(t, w.Commit(5))

	require.Nil(t, w.Truncate(7))
	assert.Equal(t, int64(7), l.LastIndex())

	err := w.Truncate(4)
	assert.IsType(t, journal.CannotTruncateCommittedError{}, err)

	for i := int64(1); i <= 7; i++ {
		e, err := l.Read(i)
		require.Nil(t, err)
		assert.Equal(t, i, e.Index)
	}
	for i := int64(8); i <= 10; i++ {
		_, err := l.Read(i)
		assert.IsType(t, journal.OutOfBoundsError{}, err)
	}

	// appends continue from the cut
	idx, err := w.Append(2, []byte("e8'"))
	require.Nil(t, err)
	assert.Equal(t, int64(8), idx)
	e, err := l.Read(8)
	require.Nil(t, err)
	assert.Equal(t, "e8'", string(e.Payload))
}

func TestTruncateAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	// one entry per segment
	l := openLog(t, dir, 48)
	appendAll(t, l, "A", "B", "C", "D", "E")
	require.Equal(t, 5, l.SegmentCount())

	require.Nil(t, l.Writer().Truncate(2))
	assert.Equal(t, int64(2), l.LastIndex())

	for _, name := range []string{"3.log", "4.log", "5.log"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), "segment %s should be deleted", name)
	}

	idx, err := l.Writer().Append(1, []byte("C'"))
	require.Nil(t, err)
	assert.Equal(t, int64(3), idx)
}

func TestSegmentRollNaming(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 48)

	appendAll(t, l, "A", "B", "C", "D", "E")
	assert.Equal(t, 5, l.SegmentCount())

	for _, name := range []string{"1.log", "2.log", "3.log", "4.log", "5.log"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.Nil(t, err, "expected segment file %s", name)
	}
}

func TestReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	payloads := []string{"alpha", "b", "", "a longer payload to vary record sizes", "tail"}

	l, err := journal.OpenLog(dir, 128, false)
	require.Nil(t, err)
	for _, p := range payloads {
		_, err := l.Writer().Append(3, []byte(p))
		require.Nil(t, err)
	}
	require.Nil(t, l.Writer().Flush())
	require.Nil(t, l.Close())

	l = openLog(t, dir, 128)
	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(len(payloads)), l.LastIndex())
	for i, p := range payloads {
		e, err := l.Read(int64(i + 1))
		require.Nil(t, err)
		assert.Equal(t, p, string(e.Payload))
		assert.Equal(t, int64(3), e.Term)
	}
}

// tailSegmentPath returns the highest-numbered segment file in dir.
func tailSegmentPath(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.Nil(t, err)
	require.NotEmpty(t, matches)
	best := matches[0]
	var bestFirst int64 = -1
	for _, m := range matches {
		first, err := strconv.ParseInt(strings.TrimSuffix(filepath.Base(m), ".log"), 10, 64)
		require.Nil(t, err)
		if first > bestFirst {
			bestFirst, best = first, m
		}
	}
	return best
}

func TestRecoverFromPartialAppend(t *testing.T) {
	dir := t.TempDir()

	l, err := journal.OpenLog(dir, testSegmentSize, false)
	require.Nil(t, err)
	appendAll(t, l, "one", "two", "three")
	require.Nil(t, l.Writer().Flush())
	require.Nil(t, l.Close())

	// simulate a crash mid-append: a partial record at the tail
	tail := tailSegmentPath(t, dir)
	fp, err := os.OpenFile(tail, os.O_WRONLY|os.O_APPEND, 0o600)
	require.Nil(t, err)
	_, err = fp.Write([]byte{40, 0, 0, 0, 0xDE, 0xAD})
	require.Nil(t, err)
	require.Nil(t, fp.Close())

	l = openLog(t, dir, testSegmentSize)
	assert.Equal(t, int64(3), l.LastIndex())
	e, err := l.Read(3)
	require.Nil(t, err)
	assert.Equal(t, "three", string(e.Payload))

	// the log is append-ready after discarding the partial record
	idx, err := l.Writer().Append(1, []byte("four"))
	require.Nil(t, err)
	assert.Equal(t, int64(4), idx)
}

func TestRecoverFromArbitraryTruncation(t *testing.T) {
	dir := t.TempDir()

	l, err := journal.OpenLog(dir, testSegmentSize, false)
	require.Nil(t, err)
	appendAll(t, l, "one", "two", "three")
	require.Nil(t, l.Writer().Flush())
	require.Nil(t, l.Close())

	// chop two bytes off the last record: its CRC can no longer validate
	tail := tailSegmentPath(t, dir)
	fi, err := os.Stat(tail)
	require.Nil(t, err)
	require.Nil(t, os.Truncate(tail, fi.Size()-2))

	l = openLog(t, dir, testSegmentSize)
	assert.Equal(t, int64(2), l.LastIndex())
	e, err := l.Read(2)
	require.Nil(t, err)
	assert.Equal(t, "two", string(e.Payload))
}

func TestLeftoverTmpFileRemoved(t *testing.T) {
	dir := t.TempDir()

	l, err := journal.OpenLog(dir, testSegmentSize, false)
	require.Nil(t, err)
	appendAll(t, l, "x")
	require.Nil(t, l.Close())

	tmp := filepath.Join(dir, "1.log.tmp")
	require.Nil(t, os.WriteFile(tmp, []byte("interrupted compaction"), 0o600))

	l = openLog(t, dir, testSegmentSize)
	assert.Equal(t, int64(1), l.LastIndex())
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestFlushOnCommit(t *testing.T) {
	dir := t.TempDir()
	l, err := journal.OpenLog(dir, testSegmentSize, true)
	require.Nil(t, err)
	defer l.Close()

	appendAll(t, l, "durable")
	require.Nil(t, l.Writer().Commit(1))
	assert.Equal(t, int64(1), l.CommitIndex())
}

func TestIndexesNonDecreasing(t *testing.T) {
	l := openLog(t, t.TempDir(), 64)
	w := l.Writer()

	var lastSeen, commitSeen int64
	for i := 0; i < 50; i++ {
		_, err := w.Append(1, []byte("payload"))
		require.Nil(t, err)
		if i%5 == 4 {
			require.Nil(t, w.Commit(l.LastIndex()))
		}
		assert.True(t, l.CommitIndex() <= l.LastIndex())
		assert.True(t, l.LastIndex() >= lastSeen)
		assert.True(t, l.CommitIndex() >= commitSeen)
		lastSeen, commitSeen = l.LastIndex(), l.CommitIndex()
	}
}
