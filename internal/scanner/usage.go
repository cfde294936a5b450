package scanner

import "csvscan/internal/buffer"

// bufferUsage is the coordinator's hold on the buffer the boundary cursor is
// currently carving. It keeps the buffer pinned across Next calls so the data
// stays resident between unit dispatches; each dispatched unit takes its own
// pin, so releasing the coordinator's hold never invalidates in-flight units.
type bufferUsage struct {
	bufferIdx int
	buf       *buffer.Buffer
}

// newBufferUsage fetches and pins buffer idx from src.
func newBufferUsage(src *buffer.Source, idx int) (*bufferUsage, error) {
	b, err := src.GetBuffer(idx)
	if err != nil {
		return nil, err
	}
	return &bufferUsage{bufferIdx: idx, buf: b}, nil
}

// adoptBufferUsage wraps an already pinned buffer without pinning again.
func adoptBufferUsage(idx int, b *buffer.Buffer) *bufferUsage {
	return &bufferUsage{bufferIdx: idx, buf: b}
}

// clone takes an additional pin on the underlying buffer for a unit.
func (u *bufferUsage) clone() *buffer.Buffer {
	u.buf.Pin()
	return u.buf
}

// release drops the coordinator's pin. The buffer is recycled once the last
// unit holding it finishes.
func (u *bufferUsage) release() {
	u.buf.Unpin()
}
