package journal

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/metrics"
	"github.com/coordkv/coordstore/utils/log"
)

// Log specializes the journal with a commit cursor. Entries at or below the
// commit index are durable and immutable; only compaction may rewrite them,
// and only with an equivalent or smaller footprint.
//
// The commit index is volatile: it is re-established by the external leader
// after a restart.
type Log struct {
	journal       *Journal
	flushOnCommit bool

	cmu         sync.Mutex
	commitIndex int64
	commitCh    chan struct{}
	degraded    bool

	rmu     sync.Mutex
	readers map[*Reader]struct{}

	writer *Writer
}

// OpenLog opens (or initializes) the log stored in dir.
func OpenLog(dir string, maxSegmentSize int64, flushOnCommit bool) (*Log, error) {
	j, err := Open(dir, maxSegmentSize)
	if err != nil {
		return nil, err
	}
	l := &Log{
		journal:       j,
		flushOnCommit: flushOnCommit,
		commitCh:      make(chan struct{}),
		readers:       map[*Reader]struct{}{},
	}
	l.writer = &Writer{log: l}
	metrics.LogFirstIndex.Set(float64(j.FirstIndex()))
	metrics.LogLastIndex.Set(float64(j.LastIndex()))
	return l, nil
}

// Writer returns the single writer handle for the log. Appends, commits and
// truncations must all go through it, from one goroutine.
func (l *Log) Writer() *Writer {
	return l.writer
}

func (l *Log) FirstIndex() int64 {
	return l.journal.FirstIndex()
}

func (l *Log) LastIndex() int64 {
	return l.journal.LastIndex()
}

// SegmentCount reports the number of live segment files.
func (l *Log) SegmentCount() int {
	return l.journal.SegmentCount()
}

func (l *Log) CommitIndex() int64 {
	l.cmu.Lock()
	defer l.cmu.Unlock()
	return l.commitIndex
}

// CommitNotify returns a channel closed on the next commit-index advance.
func (l *Log) CommitNotify() <-chan struct{} {
	l.cmu.Lock()
	defer l.cmu.Unlock()
	return l.commitCh
}

func (l *Log) Read(index int64) (Entry, error) {
	return l.journal.Read(index)
}

// Degraded reports whether a write failure has forced the log read-only.
func (l *Log) Degraded() bool {
	l.cmu.Lock()
	defer l.cmu.Unlock()
	return l.degraded
}

func (l *Log) markDegraded(cause error) {
	l.cmu.Lock()
	defer l.cmu.Unlock()
	if !l.degraded {
		l.degraded = true
		log.Error("log entering read-only degraded mode: %v", cause)
	}
}

func (l *Log) Close() error {
	return l.journal.Close()
}

// Writer is the single-writer handle of the log.
type Writer struct {
	log *Log
}

// Append assigns the next index and timestamp and writes the entry.
func (w *Writer) Append(term int64, payload []byte) (int64, error) {
	return w.AppendAt(term, time.Now().UnixMilli(), payload)
}

// AppendAt writes an entry carrying a caller-supplied timestamp. Followers
// use it to append entries stamped by the leader; the index is still
// assigned locally.
func (w *Writer) AppendAt(term, timestamp int64, payload []byte) (int64, error) {
	l := w.log
	if l.Degraded() {
		return 0, ErrLogDegraded
	}
	index, err := l.journal.Append(term, timestamp, payload)
	if err != nil {
		l.markDegraded(err)
		return 0, err
	}
	metrics.LogLastIndex.Set(float64(index))
	return index, nil
}

// Commit advances the commit index. It is monotonic: committing at or below
// the current commit index is a no-op. With flushOnCommit the active segment
// is fsynced before the cursor moves, so the commit index never runs ahead
// of durable storage; an fsync failure leaves the cursor at its last durable
// value and degrades the log.
func (w *Writer) Commit(index int64) error {
	l := w.log
	if l.Degraded() {
		return ErrLogDegraded
	}
	if index <= l.CommitIndex() {
		return nil
	}
	if last := l.LastIndex(); index > last {
		return OutOfBoundsError{Index: index, First: l.FirstIndex(), Last: last}
	}
	if l.flushOnCommit {
		if err := l.journal.Flush(); err != nil {
			l.markDegraded(err)
			return errors.Wrap(err, "flush on commit")
		}
	}
	l.cmu.Lock()
	l.commitIndex = index
	close(l.commitCh)
	l.commitCh = make(chan struct{})
	l.cmu.Unlock()
	metrics.LogCommitIndex.Set(float64(index))
	return nil
}

// Truncate removes all entries above index. Truncating at or below the
// commit index is a programmer error and is refused.
func (w *Writer) Truncate(index int64) error {
	l := w.log
	if l.Degraded() {
		return ErrLogDegraded
	}
	if commit := l.CommitIndex(); index <= commit {
		return CannotTruncateCommittedError{Index: index, CommitIndex: commit}
	}
	oldLast := l.LastIndex()
	if index >= oldLast {
		return nil
	}
	if err := l.journal.Truncate(index); err != nil {
		return err
	}
	l.invalidateReaders(oldLast)
	metrics.LogLastIndex.Set(float64(l.LastIndex()))
	return nil
}

func (w *Writer) Flush() error {
	if err := w.log.journal.Flush(); err != nil {
		w.log.markDegraded(err)
		return err
	}
	return nil
}

// invalidateReaders marks every reader that had not yet passed a removed
// position. oldLast is the last index before the truncation.
func (l *Log) invalidateReaders(oldLast int64) {
	l.rmu.Lock()
	defer l.rmu.Unlock()
	for r := range l.readers {
		if r.nextIndex() <= oldLast {
			r.invalidate()
		}
	}
}
