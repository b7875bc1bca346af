package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

const (
	// OSPageSize is the flush/commit accounting granularity.
	OSPageSize = 4096
)

// AppendCallback serializes one record (or a pre-encoded batch) into the
// writable window of a segment. dst starts at pos within the segment and its
// length is the remaining free space.
type AppendCallback interface {
	DoAppendRecord(fileFromOffset int64, dst []byte, pos int32, msg *types.Record) types.AppendResult
	DoAppendBatch(fileFromOffset int64, dst []byte, pos int32, batch *types.RecordBatch) types.AppendResult
}

// Segment is one fixed-size mapped file of the log, named by its starting
// physical offset. Writes land in the mapping (or a borrowed transient
// buffer), Commit moves transient bytes into the mapping, Flush makes the
// mapping durable.
type Segment struct {
	path           string
	fileFromOffset int64
	size           int32

	file        *os.File
	data        []byte
	writeBuffer []byte
	pool        *TransientPool

	wrotePos     atomic.Int32
	committedPos atomic.Int32
	flushedPos   atomic.Int32

	storeTimestamp atomic.Int64

	refCount          atomic.Int32
	available         atomic.Bool
	firstShutdownTime atomic.Int64

	firstCreateInQueue bool
}

// OpenSegment creates or opens a segment file, sizes it and maps it. The
// file name must be the 20-digit zero-padded starting physical offset.
func OpenSegment(path string, size int32, pool *TransientPool) (*Segment, error) {
	base := filepath.Base(path)
	fileFromOffset, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("segment file name %q is not an offset: %w", base, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size segment %s: %w", path, err)
	}

	data, err := mapSegment(f, int(size))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}

	s := &Segment{
		path:           path,
		fileFromOffset: fileFromOffset,
		size:           size,
		file:           f,
		data:           data,
		pool:           pool,
	}
	if pool != nil {
		s.writeBuffer = pool.Borrow()
		if s.writeBuffer == nil {
			util.Warn("transient pool exhausted, segment %s writes through the mapping", base)
		}
	}
	s.refCount.Store(1)
	s.available.Store(true)
	return s, nil
}

func (s *Segment) FileFromOffset() int64 { return s.fileFromOffset }
func (s *Segment) Size() int32           { return s.size }
func (s *Segment) Path() string          { return s.path }

func (s *Segment) WrotePos() int32     { return s.wrotePos.Load() }
func (s *Segment) CommittedPos() int32 { return s.committedPos.Load() }
func (s *Segment) FlushedPos() int32   { return s.flushedPos.Load() }

func (s *Segment) StoreTimestamp() int64 { return s.storeTimestamp.Load() }

func (s *Segment) IsFull() bool { return s.wrotePos.Load() >= s.size }

func (s *Segment) IsAvailable() bool { return s.available.Load() }

// FirstCreateInQueue reports whether this segment was the first ever created
// in its store. FindByOffset does not consult it; its fallback on a miss is
// governed by the returnFirstOnMiss argument.
func (s *Segment) FirstCreateInQueue() bool { return s.firstCreateInQueue }

// appendBuffer is where appends serialize to: the transient buffer when the
// pool is enabled, the mapping otherwise.
func (s *Segment) appendBuffer() []byte {
	if s.writeBuffer != nil {
		return s.writeBuffer
	}
	return s.data
}

// ReadPosition is the highest position readers may see: committed bytes when
// a transient buffer is in front of the mapping, written bytes otherwise.
func (s *Segment) ReadPosition() int32 {
	if s.writeBuffer != nil {
		return s.committedPos.Load()
	}
	return s.wrotePos.Load()
}

// AppendOne runs the callback against the free tail of this segment.
func (s *Segment) AppendOne(msg *types.Record, cb AppendCallback) types.AppendResult {
	cur := s.wrotePos.Load()
	if cur >= s.size {
		util.Error("append past end of segment %s, wrotePos=%d size=%d", s.path, cur, s.size)
		return types.AppendResult{Status: types.AppendUnknownError}
	}

	result := cb.DoAppendRecord(s.fileFromOffset, s.appendBuffer()[cur:s.size], cur, msg)
	s.wrotePos.Add(result.WroteBytes)
	s.storeTimestamp.Store(result.StoreTimestamp)
	return result
}

// AppendBatch runs the batch callback against the free tail of this segment.
func (s *Segment) AppendBatch(batch *types.RecordBatch, cb AppendCallback) types.AppendResult {
	cur := s.wrotePos.Load()
	if cur >= s.size {
		util.Error("append past end of segment %s, wrotePos=%d size=%d", s.path, cur, s.size)
		return types.AppendResult{Status: types.AppendUnknownError}
	}

	result := cb.DoAppendBatch(s.fileFromOffset, s.appendBuffer()[cur:s.size], cur, batch)
	s.wrotePos.Add(result.WroteBytes)
	s.storeTimestamp.Store(result.StoreTimestamp)
	return result
}

// AppendRaw copies already-encoded log bytes at the current write position.
// Used by replication ingress on followers.
func (s *Segment) AppendRaw(data []byte) bool {
	cur := s.wrotePos.Load()
	if cur+int32(len(data)) > s.size {
		return false
	}
	copy(s.appendBuffer()[cur:], data)
	s.wrotePos.Add(int32(len(data)))
	return true
}

// SliceFrom returns a borrowed view of [pos, readPosition). The caller must
// Release it.
func (s *Segment) SliceFrom(pos int32) *MappedBuffer {
	readPos := s.ReadPosition()
	if pos >= readPos || pos < 0 {
		return nil
	}
	if !s.hold() {
		return nil
	}
	return &MappedBuffer{
		StartOffset: s.fileFromOffset + int64(pos),
		Data:        s.data[pos:readPos],
		Size:        readPos - pos,
		seg:         s,
	}
}

// SliceFromSize returns a borrowed view of [pos, pos+size).
func (s *Segment) SliceFromSize(pos, size int32) *MappedBuffer {
	if pos < 0 || size <= 0 || pos+size > s.ReadPosition() {
		return nil
	}
	if !s.hold() {
		return nil
	}
	return &MappedBuffer{
		StartOffset: s.fileFromOffset + int64(pos),
		Data:        s.data[pos : pos+size],
		Size:        size,
		seg:         s,
	}
}

func (s *Segment) isAbleToFlush(leastPages int32) bool {
	flushed := s.flushedPos.Load()
	write := s.ReadPosition()

	if s.IsFull() {
		return write > flushed
	}
	if leastPages > 0 {
		return (write/OSPageSize - flushed/OSPageSize) >= leastPages
	}
	return write > flushed
}

func (s *Segment) isAbleToCommit(leastPages int32) bool {
	committed := s.committedPos.Load()
	write := s.wrotePos.Load()

	if s.IsFull() {
		return write > committed
	}
	if leastPages > 0 {
		return (write/OSPageSize - committed/OSPageSize) >= leastPages
	}
	return write > committed
}

// Flush makes bytes up to the read position durable and returns the new
// flushed position.
func (s *Segment) Flush(leastPages int32) int32 {
	if s.isAbleToFlush(leastPages) && s.hold() {
		value := s.ReadPosition()
		if err := syncSegment(s.file, s.data, value); err != nil {
			util.Error("flush segment %s: %v", s.path, err)
		} else {
			s.flushedPos.Store(value)
		}
		s.release()
	}
	return s.flushedPos.Load()
}

// Commit transfers transient-buffer bytes into the mapping and returns the
// new committed position. Without a transient buffer it is a position read.
func (s *Segment) Commit(leastPages int32) int32 {
	if s.writeBuffer == nil {
		return s.wrotePos.Load()
	}
	if s.isAbleToCommit(leastPages) && s.hold() {
		committed := s.committedPos.Load()
		write := s.wrotePos.Load()
		copy(s.data[committed:write], s.writeBuffer[committed:write])
		s.committedPos.Store(write)
		s.release()
	}

	// All bytes moved for a full segment, hand the buffer back.
	if s.committedPos.Load() == s.size && s.pool != nil && s.writeBuffer != nil {
		s.pool.Return(s.writeBuffer)
		s.writeBuffer = nil
	}
	return s.committedPos.Load()
}

// SetPositions force-sets all three positions, used by load and truncation.
func (s *Segment) SetPositions(pos int32) {
	s.wrotePos.Store(pos)
	s.committedPos.Store(pos)
	s.flushedPos.Store(pos)
}

func (s *Segment) hold() bool {
	if !s.available.Load() {
		return false
	}
	s.refCount.Add(1)
	if !s.available.Load() {
		s.release()
		return false
	}
	return true
}

func (s *Segment) release() {
	if s.refCount.Add(-1) > 0 {
		return
	}
	if s.available.Load() {
		return
	}
	s.cleanup()
}

func (s *Segment) cleanup() {
	if s.data != nil {
		if err := unmapSegment(s.data); err != nil {
			util.Error("unmap segment %s: %v", s.path, err)
		}
		s.data = nil
	}
	if s.writeBuffer != nil && s.pool != nil {
		s.pool.Return(s.writeBuffer)
		s.writeBuffer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			util.Error("close segment %s: %v", s.path, err)
		}
		s.file = nil
	}
}

func (s *Segment) shutdown(intervalForcibly int64) {
	if s.available.CompareAndSwap(true, false) {
		s.firstShutdownTime.Store(time.Now().UnixMilli())
		s.release()
		return
	}
	if s.refCount.Load() > 0 &&
		time.Now().UnixMilli()-s.firstShutdownTime.Load() >= intervalForcibly {
		// Readers overstayed the grace period, force the reference away.
		s.refCount.Store(1)
		s.release()
	}
}

// Destroy retires the segment: unmap, close and delete the file once no
// reader holds it (or the grace period elapsed). Returns true when the file
// is gone.
func (s *Segment) Destroy(intervalForcibly int64) bool {
	s.shutdown(intervalForcibly)

	if s.refCount.Load() > 0 {
		return false
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		util.Error("remove segment %s: %v", s.path, err)
		return false
	}
	util.Info("destroyed segment %s", filepath.Base(s.path))
	return true
}
