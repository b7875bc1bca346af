package segment

import "github.com/downfa11-org/go-broker/util"

// TransientPool pre-allocates the direct write buffers segments borrow when
// transient store writes are enabled. Fixed population, no growth.
type TransientPool struct {
	bufs chan []byte
	size int32
}

func NewTransientPool(count int, size int32) *TransientPool {
	p := &TransientPool{
		bufs: make(chan []byte, count),
		size: size,
	}
	for i := 0; i < count; i++ {
		p.bufs <- make([]byte, size)
	}
	util.Info("transient pool ready, %d buffers of %d bytes", count, size)
	return p
}

// Borrow takes a buffer, or nil when the pool is exhausted.
func (p *TransientPool) Borrow() []byte {
	select {
	case b := <-p.bufs:
		return b
	default:
		return nil
	}
}

func (p *TransientPool) Return(b []byte) {
	if b == nil {
		return
	}
	select {
	case p.bufs <- b:
	default:
	}
}

// Available reports how many buffers remain in the pool.
func (p *TransientPool) Available() int {
	return len(p.bufs)
}
