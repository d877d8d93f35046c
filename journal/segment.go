package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/utils/io"
	"github.com/coordkv/coordstore/utils/log"
)

const (
	segmentMagic   uint32 = 0x5452414C
	segmentVersion uint16 = 1

	segmentHeaderSize = 4 + 2 + 8

	segmentSuffix    = ".log"
	segmentTmpSuffix = ".log.tmp"
)

type entryPos struct {
	index  int64
	offset int64
}

// segment is one fixed-maximum-size file holding a contiguous (modulo
// compaction holes) range of entries starting at firstIndex.
type segment struct {
	id         int64
	firstIndex int64
	path       string
	fp         *os.File
	size       int64
	maxSize    int64
	positions  []entryPos
}

func segmentPath(dir string, firstIndex int64) string {
	return filepath.Join(dir, strconv.FormatInt(firstIndex, 10)+segmentSuffix)
}

func encodeSegmentHeader(firstIndex int64) []byte {
	buf := make([]byte, 0, segmentHeaderSize)
	buf = io.AppendUInt32(buf, segmentMagic)
	buf = io.AppendUInt16(buf, segmentVersion)
	buf = io.AppendUInt64(buf, uint64(firstIndex))
	return buf
}

func createSegment(dir string, id, firstIndex, maxSize int64) (*segment, error) {
	path := segmentPath(dir, firstIndex)
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %s", path)
	}
	if _, err := fp.Write(encodeSegmentHeader(firstIndex)); err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "write segment header %s", path)
	}
	return &segment{
		id:         id,
		firstIndex: firstIndex,
		path:       path,
		fp:         fp,
		size:       segmentHeaderSize,
		maxSize:    maxSize,
	}, nil
}

// openSegment reads an existing segment file, validates the header and scans
// records up to the first invalid one. Residual bytes after the last valid
// record are discarded so the file is append-ready.
func openSegment(path string, id, maxSize int64) (*segment, error) {
	fp, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	data, err := readAll(fp)
	if err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "read segment %s", path)
	}
	if len(data) < segmentHeaderSize {
		fp.Close()
		return nil, CorruptedLogError{Msg: fmt.Sprintf("segment %s is shorter than its header", path)}
	}
	if io.ToUInt32(data[:4]) != segmentMagic {
		fp.Close()
		return nil, CorruptedLogError{Msg: fmt.Sprintf("segment %s has bad magic", path)}
	}
	if v := io.ToUInt16(data[4:6]); v != segmentVersion {
		fp.Close()
		return nil, CorruptedLogError{Msg: fmt.Sprintf("segment %s has unsupported version %d", path, v)}
	}
	firstIndex := io.ToInt64(data[6:segmentHeaderSize])

	s := &segment{
		id:         id,
		firstIndex: firstIndex,
		path:       path,
		fp:         fp,
		maxSize:    maxSize,
	}

	offset := int64(segmentHeaderSize)
	for offset < int64(len(data)) {
		e, n, ok := decodeRecord(data[offset:])
		if !ok {
			break
		}
		s.positions = append(s.positions, entryPos{index: e.Index, offset: offset})
		offset += n
	}
	if offset < int64(len(data)) {
		// partial trailing record from a crash during append
		log.Warn("discarding %d residual bytes at tail of segment %s", int64(len(data))-offset, path)
		if err := fp.Truncate(offset); err != nil {
			fp.Close()
			return nil, errors.Wrapf(err, "truncate residual bytes in %s", path)
		}
	}
	s.size = offset
	return s, nil
}

func readAll(fp *os.File) ([]byte, error) {
	fi, err := fp.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, fi.Size())
	n, err := fp.ReadAt(data, 0)
	if err != nil && n != len(data) {
		return nil, err
	}
	return data, nil
}

// appendEntry writes the entry at the segment tail. A segment always accepts
// its first entry so that an oversized record cannot roll forever.
func (s *segment) appendEntry(e Entry) (int64, error) {
	rec := appendRecord(nil, e)
	if len(s.positions) > 0 && s.size+int64(len(rec)) > s.maxSize {
		return 0, ErrSegmentFull
	}
	offset := s.size
	if _, err := s.fp.WriteAt(rec, offset); err != nil {
		return 0, errors.Wrapf(err, "append entry %d to %s", e.Index, s.path)
	}
	s.positions = append(s.positions, entryPos{index: e.Index, offset: offset})
	s.size += int64(len(rec))
	return offset, nil
}

// findPos locates the in-segment position of index. The bool reports whether
// the exact index is present (it may have been removed by compaction).
func (s *segment) findPos(index int64) (entryPos, bool) {
	i := sort.Search(len(s.positions), func(i int) bool {
		return s.positions[i].index >= index
	})
	if i < len(s.positions) && s.positions[i].index == index {
		return s.positions[i], true
	}
	return entryPos{}, false
}

func (s *segment) readEntry(index int64) (Entry, error) {
	pos, ok := s.findPos(index)
	if !ok {
		return Entry{}, EntryCompactedError{Index: index}
	}
	var lenBuf [4]byte
	if _, err := s.fp.ReadAt(lenBuf[:], pos.offset); err != nil {
		return Entry{}, CorruptedError{SegmentID: s.id, Offset: pos.offset, Reason: err.Error()}
	}
	length := io.ToUInt32(lenBuf[:])
	if length < entryOverhead || pos.offset+int64(length)+crcLen > s.size {
		return Entry{}, CorruptedError{SegmentID: s.id, Offset: pos.offset, Reason: "record length out of range"}
	}
	rec := make([]byte, int64(length)+crcLen)
	if _, err := s.fp.ReadAt(rec, pos.offset); err != nil {
		return Entry{}, CorruptedError{SegmentID: s.id, Offset: pos.offset, Reason: err.Error()}
	}
	e, _, ok := decodeRecord(rec)
	if !ok {
		return Entry{}, CorruptedError{SegmentID: s.id, Offset: pos.offset, Reason: "crc mismatch"}
	}
	return e, nil
}

// truncateFrom removes every entry with index >= from.
func (s *segment) truncateFrom(from int64) error {
	i := sort.Search(len(s.positions), func(i int) bool {
		return s.positions[i].index >= from
	})
	if i == len(s.positions) {
		return nil
	}
	offset := s.positions[i].offset
	if err := s.fp.Truncate(offset); err != nil {
		return errors.Wrapf(err, "truncate %s at offset %d", s.path, offset)
	}
	s.positions = s.positions[:i]
	s.size = offset
	return nil
}

func (s *segment) firstEntryIndex() (int64, bool) {
	if len(s.positions) == 0 {
		return 0, false
	}
	return s.positions[0].index, true
}

func (s *segment) lastEntryIndex() (int64, bool) {
	if len(s.positions) == 0 {
		return 0, false
	}
	return s.positions[len(s.positions)-1].index, true
}

// dense reports whether the segment covers its range without compaction
// holes, starting exactly at firstIndex.
func (s *segment) dense() bool {
	if len(s.positions) == 0 {
		return false
	}
	last := s.positions[len(s.positions)-1].index
	return s.positions[0].index == s.firstIndex &&
		last-s.firstIndex+1 == int64(len(s.positions))
}

func (s *segment) flush() error {
	return s.fp.Sync()
}

func (s *segment) close() error {
	return s.fp.Close()
}

func (s *segment) remove() error {
	if err := s.fp.Close(); err != nil {
		log.Warn("close segment before delete: %v", err)
	}
	return os.Remove(s.path)
}

// listSegmentFiles returns the first indexes of the segment files in dir in
// ascending order, removing any leftover .tmp files from an interrupted
// compaction (rename is the commit point, so tmp files are garbage).
func listSegmentFiles(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan segment directory %s", dir)
	}
	var firsts []int64
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasSuffix(name, segmentTmpSuffix) {
			log.Warn("removing leftover compaction file %s", name)
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, errors.Wrapf(err, "remove %s", name)
			}
			continue
		}
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			return nil, CorruptedLogError{Msg: "unparsable segment file name " + name}
		}
		firsts = append(firsts, first)
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}
