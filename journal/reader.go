package journal

import (
	"sync"
)

// Reader is a forward cursor over [startIndex, lastIndex]. Indexes removed
// by compaction are skipped. A truncation of a position the reader has not
// yet passed invalidates it; the invalidation is reported on the next
// advance and the reader must be recreated.
type Reader struct {
	log *Log

	mu      sync.Mutex
	next    int64
	invalid bool
	closed  bool
}

// NewReader opens a cursor at startIndex, clamped up to the journal's first
// retained index.
func (l *Log) NewReader(startIndex int64) *Reader {
	if first := l.FirstIndex(); startIndex < first {
		startIndex = first
	}
	r := &Reader{log: l, next: startIndex}
	l.rmu.Lock()
	l.readers[r] = struct{}{}
	l.rmu.Unlock()
	return r
}

// Next returns the entry at the cursor and advances it. It does not block:
// when the cursor is past the last index it returns ErrEndOfLog.
func (r *Reader) Next() (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalid {
		return Entry{}, ReaderInvalidatedError{NextIndex: r.next}
	}
	for {
		if r.next > r.log.LastIndex() {
			return Entry{}, ErrEndOfLog
		}
		e, err := r.log.Read(r.next)
		switch err.(type) {
		case nil:
			r.next++
			return e, nil
		case EntryCompactedError:
			r.next++
		case OutOfBoundsError:
			// the journal's first index is past the cursor; resume from it
			if first := r.log.FirstIndex(); first > r.next {
				r.next = first
				continue
			}
			return Entry{}, err
		default:
			return Entry{}, err
		}
	}
}

// NextIndex reports the index the next call to Next will attempt.
func (r *Reader) NextIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *Reader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.log.rmu.Lock()
	delete(r.log.readers, r)
	r.log.rmu.Unlock()
}

func (r *Reader) nextIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *Reader) invalidate() {
	r.mu.Lock()
	r.invalid = true
	r.mu.Unlock()
}
