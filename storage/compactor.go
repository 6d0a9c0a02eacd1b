package storage

import (
	"fmt"
	"log/slog"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

// CleanablePredicate reports whether an entry can be dropped by
// compaction -- e.g. a superseded KeepAliveEntry or a CommandEntry whose
// session response has already been garbage collected. Supplied by the
// session/state-machine layer, which is the only component that knows which
// entries are still needed to reconstruct session state.
type CleanablePredicate func(e codec.Entry) bool

// Compactor rewrites segments below the log's globalIndex, the minimum
// matchIndex across every tracked member, active and passive, so compaction never touches an entry
// that might still need to be replicated.
type Compactor struct {
	log       *Log
	cleanable CleanablePredicate
	logger    *slog.Logger
}

// NewCompactor returns a Compactor bound to log, using cleanable to decide
// which entries a rewrite may drop.
func NewCompactor(log *Log, cleanable CleanablePredicate, lg *slog.Logger) *Compactor {
	if lg == nil {
		lg = logger.NewLogger(logger.Prod, false)
	}
	return &Compactor{log: log, cleanable: cleanable, logger: lg}
}

// MinorCompact rewrites each eligible sealed segment individually, dropping
// cleanable entries and bumping its version. It never touches the current (writable)
// segment and never crosses the commit boundary -- only segments entirely
// below the log's globalIndex are eligible.
func (c *Compactor) MinorCompact() error {
	global := c.log.GlobalIndex()
	segs := c.log.Segments()

	for _, seg := range segs {
		if !seg.Locked() {
			continue // never rewrite the active segment
		}
		if seg.LastIndex() > global {
			continue // would cross the compaction safety bound
		}
		rewritten, dropped, err := c.rewriteOne(seg)
		if err != nil {
			return fmt.Errorf("storage: minor compact segment %d: %w", seg.ID(), err)
		}
		if dropped == 0 {
			rewritten.Remove()
			continue
		}
		c.log.ReplaceSegments([]*Segment{seg}, rewritten)
		if err := seg.Remove(); err != nil {
			c.logger.Warn("storage: failed removing superseded segment after minor compaction", logger.ErrAttr(err))
		}
		c.logger.Info("storage: minor compaction rewrote segment",
			slog.Uint64("segment_id", seg.ID()), slog.Int("dropped", dropped))
	}
	return nil
}

// rewriteOne produces a new, higher-version segment containing only the
// non-cleanable entries of seg, in order. Returns the number of entries
// dropped.
func (c *Compactor) rewriteOne(seg *Segment) (*Segment, int, error) {
	newSeg, err := createSegmentVersion(c.log.dir, c.log.name, seg.ID(), seg.Version()+1, seg.FirstIndex(), c.log.maxEntrySize, c.log.maxSegmentSize, c.log.maxEntries, c.log.pool)
	if err != nil {
		return nil, 0, err
	}

	dropped := 0
	for i := seg.FirstIndex(); i <= seg.LastIndex(); i++ {
		raw, err := seg.Read(i)
		if err != nil {
			return nil, 0, err
		}
		m, err := codec.Decode(raw)
		if err != nil {
			return nil, 0, err
		}
		entry := m.(codec.Entry)
		if c.cleanable != nil && c.cleanable(entry) {
			dropped++
			continue
		}
		if err := newSeg.AppendAt(entry.GetIndex(), raw); err != nil {
			return nil, 0, err
		}
	}
	if err := newSeg.Seal(); err != nil {
		return nil, 0, err
	}
	return newSeg, dropped, nil
}

// MajorCompact merges every contiguous run of sealed segments entirely
// below globalIndex into a single segment, applying the same cleanable
// filter as MinorCompact. Unlike minor compaction it reduces the segment
// *count*, which bounds directory listing and startup reconciliation cost.
func (c *Compactor) MajorCompact(minSegmentsToMerge int) error {
	global := c.log.GlobalIndex()
	segs := c.log.Segments()

	var run []*Segment
	flush := func() error {
		if len(run) < minSegmentsToMerge {
			run = nil
			return nil
		}
		merged, err := c.mergeRun(run)
		if err != nil {
			return err
		}
		c.log.ReplaceSegments(run, merged)
		for _, s := range run {
			if err := s.Remove(); err != nil {
				c.logger.Warn("storage: failed removing segment after major compaction", logger.ErrAttr(err))
			}
		}
		c.logger.Info("storage: major compaction merged segments",
			slog.Int("count", len(run)), slog.Uint64("merged_id", merged.ID()))
		run = nil
		return nil
	}

	for _, seg := range segs {
		if seg.Locked() && seg.LastIndex() <= global {
			run = append(run, seg)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
	}
	return flush()
}

func (c *Compactor) mergeRun(run []*Segment) (*Segment, error) {
	first := run[0]
	merged, err := createSegmentVersion(c.log.dir, c.log.name, first.ID(), first.Version()+1, first.FirstIndex(), c.log.maxEntrySize, c.log.maxSegmentSize*uint32(len(run)), c.log.maxEntries*uint32(len(run)), c.log.pool)
	if err != nil {
		return nil, err
	}

	for _, seg := range run {
		for i := seg.FirstIndex(); i <= seg.LastIndex(); i++ {
			raw, err := seg.Read(i)
			if err != nil {
				return nil, err
			}
			m, err := codec.Decode(raw)
			if err != nil {
				return nil, err
			}
			entry := m.(codec.Entry)
			if c.cleanable != nil && c.cleanable(entry) {
				continue
			}
			if err := merged.AppendAt(entry.GetIndex(), raw); err != nil {
				return nil, err
			}
		}
	}
	if err := merged.Seal(); err != nil {
		return nil, err
	}
	return merged, nil
}
