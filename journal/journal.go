package journal

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/utils/log"
)

// Journal presents a directory of segments as one logical append-only array
// of entries indexed from firstIndex to lastIndex.
//
// Concurrency follows a single-writer/multi-reader discipline: appends and
// truncations take the write lock, positional reads take the read lock.
type Journal struct {
	mu             sync.RWMutex
	dir            string
	maxSegmentSize int64
	segments       []*segment
	firstIndex     int64
	lastIndex      int64
	nextID         int64
}

// Open loads the segments in dir, recovering from a crash during append or
// compaction, and prepares the tail segment for writing.
func Open(dir string, maxSegmentSize int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create journal directory %s", dir)
	}
	firsts, err := listSegmentFiles(dir)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		nextID:         1,
	}

	if len(firsts) == 0 {
		seg, err := createSegment(dir, j.nextID, 1, maxSegmentSize)
		if err != nil {
			return nil, err
		}
		j.nextID++
		j.segments = []*segment{seg}
		j.firstIndex = 1
		j.lastIndex = 0
		return j, nil
	}

	for _, first := range firsts {
		seg, err := openSegment(segmentPath(dir, first), j.nextID, maxSegmentSize)
		if err != nil {
			return nil, err
		}
		j.nextID++

		if n := len(j.segments); n > 0 {
			prev := j.segments[n-1]
			if prevLast, ok := prev.lastEntryIndex(); ok && seg.firstIndex <= prevLast {
				// duplicate coverage from a crash between compaction rename
				// and delete; the merged (earlier-named, newer) segment wins
				log.Warn("removing stale segment %s superseded by %s", seg.path, prev.path)
				if err := seg.remove(); err != nil {
					return nil, errors.Wrapf(err, "remove stale segment %s", seg.path)
				}
				continue
			}
			if prevLast, ok := prev.lastEntryIndex(); ok && prev.dense() && seg.firstIndex > prevLast+1 {
				return nil, CorruptedLogError{Msg: "gap between segments " + prev.path + " and " + seg.path}
			}
		}
		j.segments = append(j.segments, seg)
	}

	j.firstIndex = j.segments[0].firstIndex
	tail := j.segments[len(j.segments)-1]
	if last, ok := tail.lastEntryIndex(); ok {
		j.lastIndex = last
	} else {
		j.lastIndex = tail.firstIndex - 1
	}
	return j, nil
}

// Append assigns the next index, writes the entry to the active segment and
// returns the assigned index, rolling to a new segment when the active one
// is full. The active segment is fsynced before rolling so a sealed segment
// is always durable.
func (j *Journal) Append(term, timestamp int64, payload []byte) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	index := j.lastIndex + 1
	e := Entry{Index: index, Term: term, Timestamp: timestamp, Payload: payload}

	tail := j.segments[len(j.segments)-1]
	_, err := tail.appendEntry(e)
	if err == ErrSegmentFull {
		if err2 := tail.flush(); err2 != nil {
			return 0, errors.Wrap(err2, "flush segment before roll")
		}
		seg, err2 := createSegment(j.dir, j.nextID, index, j.maxSegmentSize)
		if err2 != nil {
			return 0, err2
		}
		j.nextID++
		j.segments = append(j.segments, seg)
		_, err = seg.appendEntry(e)
	}
	if err != nil {
		return 0, err
	}
	j.lastIndex = index
	return index, nil
}

// Read resolves the segment for index by binary search and returns its
// entry. Indexes outside [firstIndex, lastIndex] fail with OutOfBounds;
// indexes inside whose entries were filtered out fail with EntryCompacted.
func (j *Journal) Read(index int64) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.readLocked(index)
}

func (j *Journal) readLocked(index int64) (Entry, error) {
	if index < j.firstIndex || index > j.lastIndex {
		return Entry{}, OutOfBoundsError{Index: index, First: j.firstIndex, Last: j.lastIndex}
	}
	seg := j.findSegment(index)
	return seg.readEntry(index)
}

// findSegment returns the segment with the greatest firstIndex <= index.
// Callers must hold the lock and have bounds-checked index.
func (j *Journal) findSegment(index int64) *segment {
	i := sort.Search(len(j.segments), func(i int) bool {
		return j.segments[i].firstIndex > index
	})
	return j.segments[i-1]
}

// Truncate removes every entry with index > the given index.
func (j *Journal) Truncate(index int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if index >= j.lastIndex {
		return nil
	}
	if index < j.firstIndex-1 {
		return OutOfBoundsError{Index: index, First: j.firstIndex, Last: j.lastIndex}
	}

	// whole segments above the cut are deleted, the remainder truncated in place
	keep := len(j.segments)
	for keep > 0 && j.segments[keep-1].firstIndex > index {
		keep--
	}
	for _, seg := range j.segments[keep:] {
		if err := seg.remove(); err != nil {
			return errors.Wrapf(err, "remove truncated segment %s", seg.path)
		}
	}
	j.segments = j.segments[:keep]

	if len(j.segments) == 0 {
		seg, err := createSegment(j.dir, j.nextID, index+1, j.maxSegmentSize)
		if err != nil {
			return err
		}
		j.nextID++
		j.segments = []*segment{seg}
		j.firstIndex = index + 1
	} else {
		tail := j.segments[len(j.segments)-1]
		if err := tail.truncateFrom(index + 1); err != nil {
			return err
		}
	}
	j.lastIndex = index
	return nil
}

// Flush fsyncs the active segment.
func (j *Journal) Flush() error {
	j.mu.RLock()
	tail := j.segments[len(j.segments)-1]
	j.mu.RUnlock()
	return tail.flush()
}

func (j *Journal) FirstIndex() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.firstIndex
}

func (j *Journal) LastIndex() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastIndex
}

// SegmentCount reports the number of live segment files.
func (j *Journal) SegmentCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.segments)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, seg := range j.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncDir makes a directory entry change (segment create/rename/delete)
// durable.
func syncDir(dir string) error {
	fp, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer fp.Close()
	return fp.Sync()
}
