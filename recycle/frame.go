package recycle

// Lease returns a buffer of exactly size bytes from the pool's chunk
// classes, for callers that need a single contiguous buffer (UDP frames
// are always one chunk: a read buffer is wire.HeaderSize+wire.MaxKeyLen
// bytes, well under the largest chunk class).
func (p *Pool) Lease(size int) []byte {
	return p.chunk(size)
}

// Release returns a buffer obtained from Lease to the pool.
func (p *Pool) Release(buf []byte) {
	p.recycleChunk(buf)
}
