package commitlog

import (
	"encoding/binary"

	"github.com/downfa11-org/go-broker/pkg/segment"
)

// GetData returns a borrowed slice from offset to the end of readable data
// in its segment. offset 0 falls back to the first segment so a fresh
// follower can start streaming.
func (c *CommitLog) GetData(offset int64) *segment.MappedBuffer {
	return c.getData(offset, offset == 0)
}

func (c *CommitLog) getData(offset int64, returnFirstOnMiss bool) *segment.MappedBuffer {
	seg := c.store.FindByOffset(offset, returnFirstOnMiss)
	if seg == nil {
		return nil
	}
	pos := int32(offset % int64(c.store.SegmentSize()))
	return seg.SliceFrom(pos)
}

// GetMessage returns a borrowed slice of exactly size bytes at offset;
// callers release it after decoding.
func (c *CommitLog) GetMessage(offset int64, size int32) *segment.MappedBuffer {
	seg := c.store.FindByOffset(offset, offset == 0)
	if seg == nil {
		return nil
	}
	pos := int32(offset % int64(c.store.SegmentSize()))
	return seg.SliceFromSize(pos, size)
}

// PickupStoreTimestamp reads field 11 of the record at offset without a
// full decode. Returns -1 when the record is not readable.
func (c *CommitLog) PickupStoreTimestamp(offset int64, size int32) int64 {
	if offset < c.GetMinOffset() {
		return -1
	}
	buf := c.GetMessage(offset, size)
	if buf == nil {
		return -1
	}
	defer buf.Release()
	if len(buf.Data) < storeTimestampPos+8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(buf.Data[storeTimestampPos : storeTimestampPos+8]))
}
