package container

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

const lockStripes = 256

type segmentMap = skipmap.FuncMap[string, *model.Entry]

// Container is the segmented in-memory data store of a node. Each segment is
// an ordered concurrent map so that iteration for state transfer never blocks
// writers. Writes to one key are serialized by a striped lock and ordered by
// entry version.
type Container struct {
	numSegments int
	segments    []atomic.Pointer[segmentMap]
	locks       [lockStripes]sync.Mutex
	logger      *zap.Logger
}

// New creates an empty container for numSegments segments
func New(numSegments int, logger *zap.Logger) *Container {
	c := &Container{
		numSegments: numSegments,
		segments:    make([]atomic.Pointer[segmentMap], numSegments),
		logger:      logger,
	}
	for i := range c.segments {
		c.segments[i].Store(newSegmentMap())
	}
	return c
}

func newSegmentMap() *segmentMap {
	return skipmap.NewFunc[string, *model.Entry](func(a, b string) bool { return a < b })
}

func (c *Container) NumSegments() int {
	return c.numSegments
}

// Segment returns the segment a key belongs to
func (c *Container) Segment(key string) int {
	return model.SegmentOf(key, c.numSegments)
}

func (c *Container) lockFor(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%lockStripes]
}

// Get returns the live entry for key. Tombstones are reported as absent.
func (c *Container) Get(key string) (model.Entry, bool) {
	e, ok := c.segments[c.Segment(key)].Load().Load(key)
	if !ok || e.Tombstone {
		return model.Entry{}, false
	}
	return *e, true
}

// Lookup returns the stored entry for key, tombstones included
func (c *Container) Lookup(key string) (model.Entry, bool) {
	e, ok := c.segments[c.Segment(key)].Load().Load(key)
	if !ok {
		return model.Entry{}, false
	}
	return *e, true
}

// Put stores entry unless the container already holds the same or a newer
// version of the key. Applying the same entry twice is a no-op, so transferred
// state and concurrent client writes can arrive in any order.
func (c *Container) Put(entry model.Entry) bool {
	mu := c.lockFor(entry.Key)
	mu.Lock()
	defer mu.Unlock()

	seg := c.segments[c.Segment(entry.Key)].Load()
	if existing, ok := seg.Load(entry.Key); ok && !entry.Version.After(existing.Version) {
		return false
	}
	stored := entry
	seg.Store(entry.Key, &stored)
	return true
}

// Remove writes a tombstone at version
func (c *Container) Remove(key string, version model.Version) bool {
	return c.Put(model.Entry{Key: key, Version: version, Tombstone: true})
}

// RemoveSegments drops all data of the given segments
func (c *Container) RemoveSegments(segments model.SegmentSet) int {
	removed := 0
	for seg := range segments {
		if seg < 0 || seg >= c.numSegments {
			continue
		}
		old := c.segments[seg].Swap(newSegmentMap())
		removed += old.Len()
	}
	if removed > 0 {
		c.logger.Debug("Removed segment data",
			zap.Ints("segments", segments.Sorted()),
			zap.Int("entries", removed))
	}
	return removed
}

// Size returns the number of entries across all segments
func (c *Container) Size() int {
	total := 0
	for i := range c.segments {
		total += c.segments[i].Load().Len()
	}
	return total
}

// Publish emits every entry of the given segments in key order, closing each
// segment with a completion marker. Emission stops at the first error returned
// by emit or when ctx ends.
func (c *Container) Publish(ctx context.Context, segments []int, emit func(model.Notification) error) error {
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		var emitErr error
		if seg >= 0 && seg < c.numSegments {
			c.segments[seg].Load().Range(func(key string, e *model.Entry) bool {
				if emitErr = ctx.Err(); emitErr != nil {
					return false
				}
				entry := *e
				emitErr = emit(model.Notification{Segment: seg, Entry: &entry})
				return emitErr == nil
			})
		}
		if emitErr != nil {
			return emitErr
		}

		if err := emit(model.Notification{Segment: seg, Complete: true}); err != nil {
			return err
		}
	}
	return nil
}
