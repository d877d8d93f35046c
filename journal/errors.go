package journal

import (
	"errors"
	"fmt"
)

// ErrSegmentFull is returned by segment appends when the entry would push the
// file past its size cap. The journal handles it by rolling to a new segment.
var ErrSegmentFull = errors.New("segment full")

// ErrEndOfLog is returned by readers that have consumed every entry up to
// the log's last index.
var ErrEndOfLog = errors.New("end of log")

// ErrLogDegraded is returned for writes after an I/O failure left the log in
// read-only degraded mode.
var ErrLogDegraded = errors.New("log is in read-only degraded mode")

type OutOfBoundsError struct {
	Index       int64
	First, Last int64
}

func (e OutOfBoundsError) Error() string {
	return fmt.Sprintf("index %d out of bounds [%d, %d]", e.Index, e.First, e.Last)
}

// EntryCompactedError reports a read of an index inside the journal bounds
// whose entry was removed by compaction.
type EntryCompactedError struct {
	Index int64
}

func (e EntryCompactedError) Error() string {
	return fmt.Sprintf("entry %d was removed by compaction", e.Index)
}

type CannotTruncateCommittedError struct {
	Index       int64
	CommitIndex int64
}

func (e CannotTruncateCommittedError) Error() string {
	return fmt.Sprintf("cannot truncate index %d at or below commit index %d", e.Index, e.CommitIndex)
}

// CorruptedError reports a record whose CRC or framing failed validation.
// Corruption at or below the commit index is fatal; above it the record is
// truncatable.
type CorruptedError struct {
	SegmentID int64
	Offset    int64
	Reason    string
}

func (e CorruptedError) Error() string {
	return fmt.Sprintf("corrupted record in segment %d at offset %d: %s", e.SegmentID, e.Offset, e.Reason)
}

type CorruptedLogError struct {
	Msg string
}

func (e CorruptedLogError) Error() string {
	return "corrupted log: " + e.Msg
}

// ReaderInvalidatedError is reported on the first advance of a reader after
// a truncation removed a position it had not yet passed.
type ReaderInvalidatedError struct {
	NextIndex int64
}

func (e ReaderInvalidatedError) Error() string {
	return fmt.Sprintf("reader invalidated by truncation before index %d", e.NextIndex)
}
