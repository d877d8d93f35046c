package journal

import (
	"hash/crc32"

	"github.com/coordkv/coordstore/utils/io"
)

// Entry is one immutable record of the replicated log. Entries are created
// only by appending; the payload is opaque to the journal.
type Entry struct {
	Index     int64
	Term      int64
	Timestamp int64 // wall-clock milliseconds assigned at append on the leader
	Payload   []byte
}

/*
	On-disk record format (little-endian):

	length:u32 | index:u64 | term:u64 | timestamp:i64 | payload | crc32:u32

	length covers everything up to and including the payload, so
	len(payload) == length - entryOverhead. The CRC is computed over the
	length through payload bytes. End-of-segment is the first record whose
	length is zero or whose CRC fails.
*/

const (
	entryOverhead = 4 + 8 + 8 + 8
	crcLen        = 4
)

// recordSize returns the full on-disk footprint of the entry.
func recordSize(e Entry) int64 {
	return int64(entryOverhead + len(e.Payload) + crcLen)
}

func appendRecord(buf []byte, e Entry) []byte {
	start := len(buf)
	buf = io.AppendUInt32(buf, uint32(entryOverhead+len(e.Payload)))
	buf = io.AppendUInt64(buf, uint64(e.Index))
	buf = io.AppendUInt64(buf, uint64(e.Term))
	buf = io.AppendInt64(buf, e.Timestamp)
	buf = append(buf, e.Payload...)
	crc := crc32.ChecksumIEEE(buf[start:])
	return io.AppendUInt32(buf, crc)
}

// decodeRecord parses one record from the head of b. A short buffer, a zero
// length field or a CRC mismatch all return ok=false; the caller decides
// whether that means end-of-segment or corruption.
func decodeRecord(b []byte) (e Entry, n int64, ok bool) {
	if len(b) < entryOverhead+crcLen {
		return Entry{}, 0, false
	}
	length := io.ToUInt32(b[:4])
	if length < entryOverhead || int(length)+crcLen > len(b) {
		return Entry{}, 0, false
	}
	stored := io.ToUInt32(b[length : length+crcLen])
	if crc32.ChecksumIEEE(b[:length]) != stored {
		return Entry{}, 0, false
	}
	e = Entry{
		Index:     io.ToInt64(b[4:12]),
		Term:      io.ToInt64(b[12:20]),
		Timestamp: io.ToInt64(b[20:28]),
	}
	payload := make([]byte, length-entryOverhead)
	copy(payload, b[entryOverhead:length])
	e.Payload = payload
	return e, int64(length) + crcLen, true
}
