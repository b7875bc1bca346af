package segment

// MappedBuffer is a borrowed view into a segment's mapping. Holding one pins
// the segment against deletion until Release is called.
type MappedBuffer struct {
	StartOffset int64
	Data        []byte
	Size        int32

	seg *Segment
}

func (b *MappedBuffer) Release() {
	if b == nil || b.seg == nil {
		return
	}
	b.seg.release()
	b.seg = nil
}
