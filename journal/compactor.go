package journal

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/metrics"
	"github.com/coordkv/coordstore/utils/log"
)

// CompactionContext is handed to filter functions so they can distinguish
// minor from major passes. CompactionIndex is the major-compaction
// watermark; entries above it are always retained.
type CompactionContext struct {
	Major           bool
	CompactionIndex int64
}

// FilterFunc reports whether an entry must be kept. It is consulted only
// for entries at or below the commit index; verdicts are advisory inputs to
// the compactor and never affect the apply path.
type FilterFunc func(e Entry, ctx CompactionContext) bool

// PinnedFunc reports whether the entry at index is pinned by an outstanding
// commit handle. Pinned entries are never removed.
type PinnedFunc func(index int64) bool

// Compactor reclaims space from sealed segments whose entries the state
// machine has declared obsolete.
//
// A compaction transaction is: write new segment, fsync, rename over the
// final name, fsync the directory, delete superseded segments. Rename is
// the commit point; a crash before it leaves the log untouched, a crash
// after it leaves duplicate coverage that Open resolves in favor of the
// newer segment.
type Compactor struct {
	log            *Log
	filter         FilterFunc
	pinned         PinnedFunc
	minorThreshold float64
	majorInterval  time.Duration
}

const minorScanInterval = time.Minute

func NewCompactor(l *Log, filter FilterFunc, pinned PinnedFunc,
	minorThreshold float64, majorInterval time.Duration,
) *Compactor {
	return &Compactor{
		log:            l,
		filter:         filter,
		pinned:         pinned,
		minorThreshold: minorThreshold,
		majorInterval:  majorInterval,
	}
}

// Run drives background compaction until the context is cancelled. Errors
// abandon the failing pass and leave the log in its pre-compaction state.
func (c *Compactor) Run(ctx context.Context) {
	tickerMinor := time.NewTicker(minorScanInterval)
	tickerMajor := time.NewTicker(c.majorInterval)
	defer tickerMinor.Stop()
	defer tickerMajor.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown compactor...")
			return
		case <-tickerMinor.C:
			if err := c.MinorPass(); err != nil {
				log.Error("minor compaction pass abandoned: %v", err)
			}
		case <-tickerMajor.C:
			if err := c.MajorCompact(c.log.CommitIndex()); err != nil {
				log.Error("major compaction pass abandoned: %v", err)
			}
		}
	}
}

// MinorPass scans sealed segments and rewrites each one whose reclaimable
// ratio meets the threshold.
func (c *Compactor) MinorPass() error {
	commit := c.log.CommitIndex()
	cctx := CompactionContext{Major: false}
	for _, seg := range c.sealedSegments() {
		keep, removable, surviving, err := c.plan(seg, commit, cctx)
		if err != nil {
			return err
		}
		total := removable + surviving
		if total == 0 || float64(removable)/float64(total) < c.minorThreshold {
			continue
		}
		if err := c.rewriteRun([]*segment{seg}, keep, "minor"); err != nil {
			return err
		}
	}
	return nil
}

// CompactSegment runs a minor compaction of the sealed segment starting at
// firstIndex regardless of the threshold.
func (c *Compactor) CompactSegment(firstIndex int64) error {
	for _, seg := range c.sealedSegments() {
		if seg.firstIndex != firstIndex {
			continue
		}
		keep, _, _, err := c.plan(seg, c.log.CommitIndex(), CompactionContext{Major: false})
		if err != nil {
			return err
		}
		return c.rewriteRun([]*segment{seg}, keep, "minor")
	}
	return errors.Errorf("no sealed segment starts at index %d", firstIndex)
}

// MajorCompact walks the contiguous run of sealed segments wholly at or
// below compactionIndex, removes entries the filter rejects and merges
// sparse survivors into fewer segments.
func (c *Compactor) MajorCompact(compactionIndex int64) error {
	if commit := c.log.CommitIndex(); compactionIndex > commit {
		compactionIndex = commit
	}
	if compactionIndex == 0 {
		return nil
	}
	commit := c.log.CommitIndex()
	cctx := CompactionContext{Major: true, CompactionIndex: compactionIndex}

	var (
		run     []*segment
		keep    map[int64]bool
		runSize int64
	)
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		err := c.rewriteRun(run, keep, "major")
		run, keep, runSize = nil, nil, 0
		return err
	}

	for _, seg := range c.sealedSegments() {
		last, ok := seg.lastEntryIndex()
		if ok && last > compactionIndex {
			break
		}
		segKeep, _, survivingSize, err := c.plan(seg, commit, cctx)
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return flushErr
			}
			return err
		}
		if runSize+survivingSize > c.log.journal.maxSegmentSize && len(run) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		run = append(run, seg)
		runSize += survivingSize
		if keep == nil {
			keep = segKeep
		} else {
			for idx, k := range segKeep {
				keep[idx] = k
			}
		}
	}
	return flush()
}

func (c *Compactor) sealedSegments() []*segment {
	j := c.log.journal
	j.mu.RLock()
	defer j.mu.RUnlock()
	sealed := make([]*segment, len(j.segments)-1)
	copy(sealed, j.segments[:len(j.segments)-1])
	return sealed
}

// plan dry-runs the filter over one segment. It returns the keep verdict
// per index plus the reclaimable and surviving byte counts (the ratio
// drives minor thresholds, the surviving size drives major merging).
func (c *Compactor) plan(seg *segment, commit int64, cctx CompactionContext,
) (keep map[int64]bool, removable, surviving int64, err error) {
	keep = make(map[int64]bool, len(seg.positions))
	for _, pos := range seg.positions {
		e, err := seg.readEntry(pos.index)
		if err != nil {
			return nil, 0, 0, err
		}
		k := c.keepEntry(e, commit, cctx)
		keep[e.Index] = k
		if k {
			surviving += recordSize(e)
		} else {
			removable += recordSize(e)
		}
	}
	return keep, removable, surviving, nil
}

func (c *Compactor) keepEntry(e Entry, commit int64, cctx CompactionContext) bool {
	if e.Index > commit {
		return true
	}
	if cctx.Major && e.Index > cctx.CompactionIndex {
		return true
	}
	if c.pinned != nil && c.pinned(e.Index) {
		return true
	}
	if c.filter == nil {
		return true
	}
	return c.filter(e, cctx)
}

// rewriteRun replaces a contiguous run of sealed segments with one fresh
// segment holding the kept entries. The new file takes the run's first
// segment name; rename is the commit point.
func (c *Compactor) rewriteRun(run []*segment, keep map[int64]bool, passType string) error {
	start := time.Now()
	j := c.log.journal

	first := run[0].firstIndex
	tmpPath := run[0].path + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create compaction file %s", tmpPath)
	}
	cleanupTmp := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	buf := encodeSegmentHeader(first)
	var removed int64
	for _, seg := range run {
		for _, pos := range seg.positions {
			e, err := seg.readEntry(pos.index)
			if err != nil {
				cleanupTmp()
				return err
			}
			if !keep[e.Index] {
				removed++
				continue
			}
			buf = appendRecord(buf, e)
		}
	}
	if _, err := tmp.Write(buf); err != nil {
		cleanupTmp()
		return errors.Wrapf(err, "write compaction file %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		cleanupTmp()
		return errors.Wrapf(err, "sync compaction file %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close compaction file %s", tmpPath)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// a truncation may have removed run segments while the rewrite ran
	runStart := -1
	for i, seg := range j.segments {
		if seg == run[0] {
			runStart = i
			break
		}
	}
	if runStart < 0 || runStart+len(run) > len(j.segments) {
		os.Remove(tmpPath)
		return errors.New("segments changed during compaction, pass abandoned")
	}
	for i, seg := range run {
		if j.segments[runStart+i] != seg {
			os.Remove(tmpPath)
			return errors.New("segments changed during compaction, pass abandoned")
		}
	}

	if err := os.Rename(tmpPath, run[0].path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %s", tmpPath)
	}
	if err := syncDir(j.dir); err != nil {
		return errors.Wrap(err, "sync segment directory")
	}

	// the rename unlinked run[0]'s old inode; the rest are removed explicitly
	run[0].fp.Close()
	for _, seg := range run[1:] {
		if err := seg.remove(); err != nil {
			log.Error("remove superseded segment %s: %v", seg.path, err)
		}
	}

	newSeg, err := openSegment(run[0].path, j.nextID, j.maxSegmentSize)
	if err != nil {
		return errors.Wrapf(err, "reopen compacted segment %s", run[0].path)
	}
	j.nextID++

	tail := make([]*segment, len(j.segments[runStart+len(run):]))
	copy(tail, j.segments[runStart+len(run):])
	j.segments = append(j.segments[:runStart], newSeg)
	j.segments = append(j.segments, tail...)

	metrics.CompactionsTotal.WithLabelValues(passType).Inc()
	metrics.CompactedEntriesTotal.Add(float64(removed))
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	log.Info("%s compaction rewrote segment %d..: removed %d entries", passType, first, removed)
	return nil
}
