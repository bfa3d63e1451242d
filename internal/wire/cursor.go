// Package wire implements the binary framing used between qube nodes.
//
// Every message starts with a fixed 8-byte header followed by a payload whose
// layout depends on the message sub-type:
//
//	[counter:u16][id:u16][type:u8][subtype:u8][protoFlag:u8][spare:u8][payload...]
//
// Multi-byte fields are written in the byte order configured on the Cursor.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a read or write would cross the
	// cursor's capacity or, for reads, its written size.
	ErrOutOfBounds = errors.New("wire: out of bounds")
	// ErrEmpty is returned by any read on a cursor holding no data.
	ErrEmpty = errors.New("wire: empty buffer")
)

// Cursor is a fixed-capacity byte buffer with a read/write position and a
// configurable byte order. Size tracks the high-water mark of written bytes.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	buf   []byte
	size  int
	pos   int
	order binary.ByteOrder
}

// NewCursor allocates an empty cursor of the given capacity.
func NewCursor(capacity int, order binary.ByteOrder) *Cursor {
	if order == nil {
		order = binary.BigEndian
	}
	return &Cursor{buf: make([]byte, capacity), order: order}
}

// FromBytes wraps a copy of b. Capacity and size both equal len(b) and the
// position starts at zero, ready for decoding.
func FromBytes(b []byte, order binary.ByteOrder) *Cursor {
	c := NewCursor(len(b), order)
	copy(c.buf, b)
	c.size = len(b)
	return c
}

func (c *Cursor) Capacity() int               { return len(c.buf) }
func (c *Cursor) Size() int                   { return c.size }
func (c *Cursor) Position() int               { return c.pos }
func (c *Cursor) Order() binary.ByteOrder     { return c.order }
func (c *Cursor) SetOrder(o binary.ByteOrder) { c.order = o }

// Remaining is the number of written bytes past the current position.
func (c *Cursor) Remaining() int {
	if c.pos >= c.size {
		return 0
	}
	return c.size - c.pos
}

// SetPosition moves the cursor. p must lie within [0, capacity].
func (c *Cursor) SetPosition(p int) error {
	if p < 0 || p > len(c.buf) {
		return fmt.Errorf("%w: position %d, capacity %d", ErrOutOfBounds, p, len(c.buf))
	}
	c.pos = p
	return nil
}

// Bytes returns the written region. The slice aliases the cursor's storage.
func (c *Cursor) Bytes() []byte { return c.buf[:c.size] }

// Clear forgets all written data without releasing the storage.
func (c *Cursor) Clear() {
	c.size = 0
	c.pos = 0
}

// Clone returns a deep copy, including position and byte order.
func (c *Cursor) Clone() *Cursor {
	out := &Cursor{buf: make([]byte, len(c.buf)), size: c.size, pos: c.pos, order: c.order}
	copy(out.buf, c.buf)
	return out
}

// reserve checks that n bytes fit at the current position and returns the
// window to write into. The position and size advance on success.
func (c *Cursor) reserve(n int) ([]byte, error) {
	end := c.pos + n
	if end > len(c.buf) {
		return nil, fmt.Errorf("%w: write %d bytes at %d, capacity %d", ErrOutOfBounds, n, c.pos, len(c.buf))
	}
	w := c.buf[c.pos:end]
	c.pos = end
	if end > c.size {
		c.size = end
	}
	return w, nil
}

// take is the read-side counterpart of reserve.
func (c *Cursor) take(n int) ([]byte, error) {
	if c.size == 0 {
		return nil, ErrEmpty
	}
	end := c.pos + n
	if end > len(c.buf) || end > c.size {
		return nil, fmt.Errorf("%w: read %d bytes at %d, size %d", ErrOutOfBounds, n, c.pos, c.size)
	}
	r := c.buf[c.pos:end]
	c.pos = end
	return r, nil
}

func (c *Cursor) PutUint8(v uint8) error {
	w, err := c.reserve(1)
	if err != nil {
		return err
	}
	w[0] = v
	return nil
}

func (c *Cursor) PutUint16(v uint16) error {
	w, err := c.reserve(2)
	if err != nil {
		return err
	}
	c.order.PutUint16(w, v)
	return nil
}

func (c *Cursor) PutUint32(v uint32) error {
	w, err := c.reserve(4)
	if err != nil {
		return err
	}
	c.order.PutUint32(w, v)
	return nil
}

func (c *Cursor) PutUint64(v uint64) error {
	w, err := c.reserve(8)
	if err != nil {
		return err
	}
	c.order.PutUint64(w, v)
	return nil
}

// PutBytes copies b verbatim. Byte order does not apply.
func (c *Cursor) PutBytes(b []byte) error {
	w, err := c.reserve(len(b))
	if err != nil {
		return err
	}
	copy(w, b)
	return nil
}

// Spare writes n zero bytes.
func (c *Cursor) Spare(n int) error {
	w, err := c.reserve(n)
	if err != nil {
		return err
	}
	clear(w)
	return nil
}

func (c *Cursor) Uint8() (uint8, error) {
	r, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

func (c *Cursor) Uint16() (uint16, error) {
	r, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(r), nil
}

func (c *Cursor) Uint32() (uint32, error) {
	r, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(r), nil
}

func (c *Cursor) Uint64() (uint64, error) {
	r, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(r), nil
}

// ReadBytes fills dst from the current position.
func (c *Cursor) ReadBytes(dst []byte) error {
	r, err := c.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, r)
	return nil
}

// Skip advances the read position by n bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.take(n)
	return err
}

// Rest returns a copy of every written byte after the position and moves the
// position to the end of the written region.
func (c *Cursor) Rest() []byte {
	n := c.Remaining()
	out := make([]byte, n)
	copy(out, c.buf[c.pos:c.pos+n])
	c.pos += n
	return out
}
