package journal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordkv/coordstore/journal"
)

func TestReaderIteration(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a", "b", "c")

	r := l.NewReader(1)
	defer r.Close()

	for i, want := range []string{"a", "b", "c"} {
		e, err := r.Next()
		require.Nil(t, err)
		assert.Equal(t, int64(i+1), e.Index)
		assert.Equal(t, want, string(e.Payload))
	}

	_, err := r.Next()
	assert.Equal(t, journal.ErrEndOfLog, err)

	// the cursor picks up entries appended after exhaustion
	appendAll(t, l, "d")
	e, err := r.Next()
	require.Nil(t, err)
	assert.Equal(t, int64(4), e.Index)
}

func TestReaderStartClamping(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a", "b")

	r := l.NewReader(-5)
	defer r.Close()
	assert.Equal(t, int64(1), r.NextIndex())
}

func TestReaderInvalidatedByTruncation(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a", "b", "c", "d", "e")

	r := l.NewReader(1)
	defer r.Close()
	_, err := r.Next()
	require.Nil(t, err)

	// removes positions the reader has not yet passed
	require.Nil(t, l.Writer().Truncate(3))

	_, err = r.Next()
	assert.IsType(t, journal.ReaderInvalidatedError{}, err)

	// a fresh reader sees the surviving prefix
	r2 := l.NewReader(1)
	defer r2.Close()
	var indexes []int64
	for {
		e, err := r2.Next()
		if err == journal.ErrEndOfLog {
			break
		}
		require.Nil(t, err)
		indexes = append(indexes, e.Index)
	}
	assert.Equal(t, []int64{1, 2, 3}, indexes)
}

func TestReaderAtTipSurvivesTruncation(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a", "b")

	r := l.NewReader(1)
	defer r.Close()
	for i := 0; i < 2; i++ {
		_, err := r.Next()
		require.Nil(t, err)
	}
	_, err := r.Next()
	require.Equal(t, journal.ErrEndOfLog, err)

	// the reader passed everything that exists; truncating removes nothing
	// it has yet to read
	require.Nil(t, l.Writer().Truncate(2))
	_, err = r.Next()
	assert.Equal(t, journal.ErrEndOfLog, err)
}

func TestCommitNotify(t *testing.T) {
	l := openLog(t, t.TempDir(), testSegmentSize)
	appendAll(t, l, "a")

	ch := l.CommitNotify()
	select {
	case <-ch:
		t.Fatal("notify channel closed before commit")
	default:
	}

	require.Nil(t, l.Writer().Commit(1))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("notify channel not closed after commit")
	}
}
