package journal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordkv/coordstore/journal"
)

// keepOdd rejects every even index.
func keepOdd(e journal.Entry, _ journal.CompactionContext) bool {
	return e.Index%2 == 1
}

func TestMinorCompaction(t *testing.T) {
	dir := t.TempDir()
	// exactly 5 entries per segment, so 1..100 fill 20 sealed segments
	l, err := journal.OpenLog(dir, 220, false)
	require.Nil(t, err)
	defer l.Close()

	w := l.Writer()
	for i := 0; i < 100; i++ {
		_, err := w.Append(1, []byte("payload"))
		require.Nil(t, err)
	}
	// one extra entry so 1..100 all live in sealed segments
	_, err = w.Append(1, []byte("tail"))
	require.Nil(t, err)
	require.Nil(t, w.Commit(100))

	c := journal.NewCompactor(l, keepOdd, nil, 0.1, time.Hour)
	require.Nil(t, c.MinorPass())

	assert.Equal(t, int64(100), l.CommitIndex())
	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(101), l.LastIndex())

	verify := func(l *journal.Log) {
		for i := int64(1); i <= 100; i++ {
			e, err := l.Read(i)
			if i%2 == 1 {
				require.Nil(t, err, "odd index %d should survive", i)
				assert.Equal(t, "payload", string(e.Payload))
			} else {
				assert.IsType(t, journal.EntryCompactedError{}, err, "even index %d should be gone", i)
			}
		}
	}
	verify(l)

	// durability: the swap survives a reopen
	require.Nil(t, l.Close())
	l2 := openLog(t, dir, 220)
	assert.Equal(t, int64(101), l2.LastIndex())
	verify(l2)
}

func TestMinorCompactionKeepsUncommitted(t *testing.T) {
	l := openLog(t, t.TempDir(), 48)
	w := l.Writer()
	appendAll(t, l, "a", "b", "c", "d")
	require.Nil(t, w.Commit(2))

	reject := func(journal.Entry, journal.CompactionContext) bool { return false }
	c := journal.NewCompactor(l, reject, nil, 0.0, time.Hour)
	require.Nil(t, c.MinorPass())

	// 1 and 2 are committed and filtered out; 3 is sealed but uncommitted
	_, err := l.Read(1)
	assert.IsType(t, journal.EntryCompactedError{}, err)
	_, err = l.Read(2)
	assert.IsType(t, journal.EntryCompactedError{}, err)
	e, err := l.Read(3)
	require.Nil(t, err)
	assert.Equal(t, "c", string(e.Payload))
	e, err = l.Read(4)
	require.Nil(t, err)
	assert.Equal(t, "d", string(e.Payload))
}

func TestMinorCompactionRespectsPins(t *testing.T) {
	l := openLog(t, t.TempDir(), 48)
	appendAll(t, l, "a", "b", "c", "d")
	require.Nil(t, l.Writer().Commit(4))

	reject := func(journal.Entry, journal.CompactionContext) bool { return false }
	pinned := func(index int64) bool { return index == 2 }
	c := journal.NewCompactor(l, reject, pinned, 0.0, time.Hour)
	require.Nil(t, c.MinorPass())

	_, err := l.Read(1)
	assert.IsType(t, journal.EntryCompactedError{}, err)
	e, err := l.Read(2)
	require.Nil(t, err)
	assert.Equal(t, "b", string(e.Payload))
	_, err = l.Read(3)
	assert.IsType(t, journal.EntryCompactedError{}, err)
}

func TestMinorThreshold(t *testing.T) {
	l := openLog(t, t.TempDir(), 48)
	appendAll(t, l, "a", "b", "c")
	require.Nil(t, l.Writer().Commit(3))

	// nothing reclaimable: below any threshold, the pass must not rewrite
	keepAll := func(journal.Entry, journal.CompactionContext) bool { return true }
	c := journal.NewCompactor(l, keepAll, nil, 0.5, time.Hour)
	require.Nil(t, c.MinorPass())

	for i := int64(1); i <= 3; i++ {
		_, err := l.Read(i)
		require.Nil(t, err)
	}
}

func TestMajorCompactionMergesSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := journal.OpenLog(dir, 48, false)
	require.Nil(t, err)
	defer l.Close()

	w := l.Writer()
	for i := 0; i < 20; i++ {
		_, err := w.Append(1, []byte("x"))
		require.Nil(t, err)
	}
	require.Nil(t, w.Commit(20))
	require.Equal(t, 20, l.SegmentCount())

	// only entries above index 10 are still needed
	filter := func(e journal.Entry, ctx journal.CompactionContext) bool {
		return e.Index > 10
	}
	c := journal.NewCompactor(l, filter, nil, 0.5, time.Hour)
	require.Nil(t, c.MajorCompact(15))

	// entries above the compaction watermark are retained regardless of the
	// filter verdict
	for i := int64(1); i <= 10; i++ {
		_, err := l.Read(i)
		assert.IsType(t, journal.EntryCompactedError{}, err, "index %d", i)
	}
	for i := int64(11); i <= 20; i++ {
		e, err := l.Read(i)
		require.Nil(t, err, "index %d", i)
		assert.Equal(t, "x", string(e.Payload))
	}

	// sparse segments merged to maintain size targets
	assert.Less(t, l.SegmentCount(), 20)
	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(20), l.LastIndex())
}

func TestMajorCompactionClampedToCommitIndex(t *testing.T) {
	l := openLog(t, t.TempDir(), 48)
	w := l.Writer()
	appendAll(t, l, "a", "b", "c", "d", "e")
	require.Nil(t, w.Commit(2))

	reject := func(journal.Entry, journal.CompactionContext) bool { return false }
	c := journal.NewCompactor(l, reject, nil, 0.5, time.Hour)
	require.Nil(t, c.MajorCompact(100))

	_, err := l.Read(1)
	assert.IsType(t, journal.EntryCompactedError{}, err)
	_, err = l.Read(2)
	assert.IsType(t, journal.EntryCompactedError{}, err)
	for i := int64(3); i <= 5; i++ {
		_, err := l.Read(i)
		require.Nil(t, err)
	}
}

func TestCompactionPreservesReadsBelowCommit(t *testing.T) {
	l := openLog(t, t.TempDir(), 64)
	w := l.Writer()
	for i := 0; i < 30; i++ {
		_, err := w.Append(1, []byte("stable"))
		require.Nil(t, err)
	}
	require.Nil(t, w.Commit(30))

	before := map[int64]string{}
	for i := int64(1); i <= 30; i++ {
		e, err := l.Read(i)
		require.Nil(t, err)
		before[i] = string(e.Payload)
	}

	keepAll := func(journal.Entry, journal.CompactionContext) bool { return true }
	c := journal.NewCompactor(l, keepAll, nil, 0.0, time.Hour)
	require.Nil(t, c.MajorCompact(30))

	// surviving entries read back unchanged after the rewrite
	for i := int64(1); i <= 30; i++ {
		e, err := l.Read(i)
		require.Nil(t, err)
		assert.Equal(t, before[i], string(e.Payload))
	}
	assert.Equal(t, int64(30), l.CommitIndex())
}
