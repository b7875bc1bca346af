package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-broker/util"
)

// Store is the ordered queue of segments backing one log. The append engine
// mutates the tail under its own lock; readers work on snapshots.
type Store struct {
	dir         string
	segmentSize int32
	pool        *TransientPool

	mu       sync.RWMutex
	segments []*Segment

	flushedWhere   atomic.Int64
	committedWhere atomic.Int64

	// store timestamp of the last record made durable, feeds the checkpoint
	storeTimestamp atomic.Int64
}

func NewStore(dir string, segmentSize int32, pool *TransientPool) *Store {
	return &Store{
		dir:         dir,
		segmentSize: segmentSize,
		pool:        pool,
	}
}

func (st *Store) Dir() string       { return st.dir }
func (st *Store) SegmentSize() int32 { return st.segmentSize }

func segmentPath(dir string, offset int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", offset))
}

// Load scans the directory and maps every segment in offset order. Loaded
// segments start with all positions at the segment size; recovery truncates
// them to the real boundary.
func (st *Store) Load() error {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("create segment directory %s: %w", st.dir, err)
	}

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return fmt.Errorf("read segment directory %s: %w", st.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 20 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(st.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() != int64(st.segmentSize) {
			util.Warn("segment %s size %d does not match configured %d, ignoring it and the rest",
				name, info.Size(), st.segmentSize)
			break
		}

		seg, err := OpenSegment(path, st.segmentSize, st.pool)
		if err != nil {
			return fmt.Errorf("load segment %s: %w", name, err)
		}
		seg.SetPositions(st.segmentSize)
		st.segments = append(st.segments, seg)
		util.Info("loaded segment %s", name)
	}
	return nil
}

func (st *Store) snapshot() []*Segment {
	st.mu.RLock()
	defer st.mu.RUnlock()
	segs := make([]*Segment, len(st.segments))
	copy(segs, st.segments)
	return segs
}

// Segments returns a snapshot of the current segment list.
func (st *Store) Segments() []*Segment {
	return st.snapshot()
}

// GetFirst returns the oldest segment or nil.
func (st *Store) GetFirst() *Segment {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.segments) == 0 {
		return nil
	}
	return st.segments[0]
}

// GetLast returns the newest segment or nil.
func (st *Store) GetLast() *Segment {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.segments) == 0 {
		return nil
	}
	return st.segments[len(st.segments)-1]
}

// GetLastOrCreate returns the newest writable segment, allocating a new one
// when the queue is empty or the tail is full. startOffset seeds the first
// file's offset for an empty queue.
func (st *Store) GetLastOrCreate(startOffset int64) *Segment {
	st.mu.Lock()
	defer st.mu.Unlock()

	var createOffset int64 = -1
	if len(st.segments) == 0 {
		createOffset = startOffset - (startOffset % int64(st.segmentSize))
	} else {
		last := st.segments[len(st.segments)-1]
		if !last.IsFull() {
			return last
		}
		createOffset = last.fileFromOffset + int64(last.size)
	}

	seg, err := OpenSegment(segmentPath(st.dir, createOffset), st.segmentSize, st.pool)
	if err != nil {
		util.Error("allocate segment at offset %d: %v", createOffset, err)
		return nil
	}
	seg.firstCreateInQueue = len(st.segments) == 0
	st.segments = append(st.segments, seg)
	return seg
}

// FindByOffset locates the segment containing the physical offset. On a miss
// it returns the first segment when returnFirstOnMiss is set, nil otherwise.
func (st *Store) FindByOffset(offset int64, returnFirstOnMiss bool) *Segment {
	segs := st.snapshot()
	if len(segs) == 0 {
		return nil
	}

	first := segs[0]
	last := segs[len(segs)-1]
	if offset >= first.fileFromOffset && offset < last.fileFromOffset+int64(st.segmentSize) {
		index := (offset - first.fileFromOffset) / int64(st.segmentSize)
		if index >= 0 && index < int64(len(segs)) {
			target := segs[index]
			if offset >= target.fileFromOffset && offset < target.fileFromOffset+int64(st.segmentSize) {
				return target
			}
		}
		// Offset arithmetic missed (hole after retention), fall back to a scan.
		for _, seg := range segs {
			if offset >= seg.fileFromOffset && offset < seg.fileFromOffset+int64(st.segmentSize) {
				return seg
			}
		}
	}

	if returnFirstOnMiss {
		return first
	}
	return nil
}

// Flush advances durability from flushedWhere and reports whether the
// pointer moved.
func (st *Store) Flush(leastPages int32) bool {
	where := st.flushedWhere.Load()
	seg := st.FindByOffset(where, where == 0)
	if seg == nil {
		return false
	}

	ts := seg.StoreTimestamp()
	pos := seg.Flush(leastPages)
	newWhere := seg.fileFromOffset + int64(pos)
	progressed := newWhere > where
	if progressed {
		st.flushedWhere.Store(newWhere)
	}
	if leastPages == 0 && ts > 0 {
		st.storeTimestamp.Store(ts)
	}
	return progressed
}

// Commit drains transient buffers from committedWhere and reports whether
// the pointer moved.
func (st *Store) Commit(leastPages int32) bool {
	where := st.committedWhere.Load()
	seg := st.FindByOffset(where, where == 0)
	if seg == nil {
		return false
	}

	pos := seg.Commit(leastPages)
	newWhere := seg.fileFromOffset + int64(pos)
	progressed := newWhere > where
	if progressed {
		st.committedWhere.Store(newWhere)
	}
	return progressed
}

func (st *Store) FlushedWhere() int64        { return st.flushedWhere.Load() }
func (st *Store) SetFlushedWhere(v int64)    { st.flushedWhere.Store(v) }
func (st *Store) CommittedWhere() int64      { return st.committedWhere.Load() }
func (st *Store) SetCommittedWhere(v int64)  { st.committedWhere.Store(v) }
func (st *Store) StoreTimestamp() int64      { return st.storeTimestamp.Load() }

// MinOffset is the starting offset of the oldest segment, -1 when empty.
// A segment mid-deletion rolls forward to the next boundary; consecutive
// unavailable segments keep rolling.
func (st *Store) MinOffset() int64 {
	segs := st.snapshot()
	if len(segs) == 0 {
		return -1
	}
	for _, seg := range segs {
		if seg.IsAvailable() {
			return seg.fileFromOffset
		}
	}
	last := segs[len(segs)-1]
	return last.fileFromOffset + int64(st.segmentSize)
}

// MaxOffset is the highest readable physical offset.
func (st *Store) MaxOffset() int64 {
	last := st.GetLast()
	if last == nil {
		return 0
	}
	return last.fileFromOffset + int64(last.ReadPosition())
}

// MaxWrotePosition is the highest written (not necessarily committed)
// physical offset.
func (st *Store) MaxWrotePosition() int64 {
	last := st.GetLast()
	if last == nil {
		return 0
	}
	return last.fileFromOffset + int64(last.WrotePos())
}

// RemainDataToCommit is the byte gap between written and committed data.
func (st *Store) RemainDataToCommit() int64 {
	return st.MaxWrotePosition() - st.committedWhere.Load()
}

// RemainDataToFlush is the byte gap between readable and flushed data.
func (st *Store) RemainDataToFlush() int64 {
	return st.MaxOffset() - st.flushedWhere.Load()
}

// Truncate discards bytes at and beyond offset: segments wholly beyond it
// are destroyed, the containing segment has its positions pulled back.
func (st *Store) Truncate(offset int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	kept := st.segments[:0]
	for _, seg := range st.segments {
		tail := seg.fileFromOffset + int64(seg.size)
		if tail <= offset {
			kept = append(kept, seg)
			continue
		}
		if offset >= seg.fileFromOffset {
			seg.SetPositions(int32(offset % int64(st.segmentSize)))
			kept = append(kept, seg)
			continue
		}
		util.Warn("truncate destroys segment %s beyond offset %d", filepath.Base(seg.path), offset)
		seg.Destroy(1000)
	}
	st.segments = kept
}

// ResetOffset rewinds the store so MaxOffset lands on offset. Administrative
// path only.
func (st *Store) ResetOffset(offset int64) bool {
	if offset > st.MaxWrotePosition() || offset < 0 {
		return false
	}
	st.Truncate(offset)
	if st.flushedWhere.Load() > offset {
		st.flushedWhere.Store(offset)
	}
	if st.committedWhere.Load() > offset {
		st.committedWhere.Store(offset)
	}
	return true
}

// DeleteExpiredByTime retires whole segments whose newest write is older
// than expiredTime ms, oldest first, never touching the active tail. Returns
// the number of deleted files.
func (st *Store) DeleteExpiredByTime(expiredTime int64, deleteInterval int, intervalForcibly int64, immediately bool) int {
	segs := st.snapshot()
	if len(segs) <= 1 {
		return 0
	}

	deleted := 0
	var gone []*Segment
	for _, seg := range segs[:len(segs)-1] {
		info, err := os.Stat(seg.path)
		if err != nil {
			continue
		}
		liveMax := info.ModTime().UnixMilli() + expiredTime
		if time.Now().UnixMilli() < liveMax && !immediately {
			break
		}
		if !seg.Destroy(intervalForcibly) {
			break
		}
		gone = append(gone, seg)
		deleted++
		if deleteInterval > 0 {
			time.Sleep(time.Duration(deleteInterval) * time.Millisecond)
		}
	}
	st.removeSegments(gone)
	return deleted
}

// RetryDeleteFirstFile retries destroying an oldest segment that survived a
// previous delete attempt because readers still held it.
func (st *Store) RetryDeleteFirstFile(intervalForcibly int64) bool {
	first := st.GetFirst()
	if first == nil || first.IsAvailable() {
		return false
	}
	util.Warn("oldest segment %s marked deleted but still held, retrying", filepath.Base(first.path))
	if first.Destroy(intervalForcibly) {
		st.removeSegments([]*Segment{first})
		return true
	}
	return false
}

func (st *Store) removeSegments(gone []*Segment) {
	if len(gone) == 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	dead := make(map[*Segment]bool, len(gone))
	for _, seg := range gone {
		dead[seg] = true
	}
	kept := st.segments[:0]
	for _, seg := range st.segments {
		if !dead[seg] {
			kept = append(kept, seg)
		}
	}
	st.segments = kept
}

// Destroy removes every segment and resets the pointers. Used when recovery
// finds logical structures to rebuild from nothing.
func (st *Store) Destroy() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, seg := range st.segments {
		seg.Destroy(1000 * 3)
	}
	st.segments = nil
	st.flushedWhere.Store(0)
	st.committedWhere.Store(0)
}

// Shutdown unmaps everything without deleting files.
func (st *Store) Shutdown(intervalForcibly int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, seg := range st.segments {
		seg.shutdown(intervalForcibly)
	}
}
