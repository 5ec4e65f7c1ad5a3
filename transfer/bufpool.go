package transfer

// poolCapacity is the number of reusable buffers kept between transfers.
const poolCapacity = 8

// bufferPool is a fixed-capacity free-list of chunk-sized byte buffers
// shared across concurrent send and receive tasks. Acquisition never
// blocks: an empty pool hands out a fresh allocation, and returning a
// buffer to a full pool drops it.
type bufferPool struct {
	size    int
	buffers chan []byte
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{
		size:    size,
		buffers: make(chan []byte, poolCapacity),
	}
	for i := 0; i < poolCapacity; i++ {
		p.buffers <- make([]byte, size)
	}
	return p
}

func (p *bufferPool) get() []byte {
	select {
	case buf := <-p.buffers:
		return buf
	default:
		return make([]byte, p.size)
	}
}

func (p *bufferPool) put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	for i := range buf {
		buf[i] = 0
	}

	select {
	case p.buffers <- buf:
	default:
	}
}
