package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed reports a frame whose fields are individually readable but
// inconsistent (unknown sub-type, bad protocol flag).
var ErrMalformed = errors.New("wire: malformed message")

// HeaderSize is the fixed length of the common message header.
const HeaderSize = 8

// subTypeOffset is where PeekSubType finds the sub-type byte.
const subTypeOffset = 5

// MaxMessageSize bounds a single datagram or TCP read.
const MaxMessageSize = 4096

// Type is the coarse message family.
type Type uint8

const (
	TypeSimple   Type = 0
	TypeDiscover Type = 1
)

// SubType selects the payload layout.
type SubType uint8

const (
	SubTypeSimple           SubType = 0
	SubTypeDiscoverHello    SubType = 1
	SubTypeDiscoverResponse SubType = 2
)

func (s SubType) String() string {
	switch s {
	case SubTypeSimple:
		return "simple"
	case SubTypeDiscoverHello:
		return "discover-hello"
	case SubTypeDiscoverResponse:
		return "discover-response"
	default:
		return fmt.Sprintf("subtype(%d)", uint8(s))
	}
}

func familyOf(s SubType) Type {
	if s == SubTypeSimple {
		return TypeSimple
	}
	return TypeDiscover
}

// Proto is the transport a message was sent over.
type Proto uint8

const (
	ProtoTCP Proto = 0
	ProtoUDP Proto = 1
)

func (p Proto) String() string {
	if p == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

// flag packs the protocol into the two high bits of the flag byte. Zero is
// never a valid flag so an unset byte cannot be mistaken for TCP.
func (p Proto) flag() uint8 { return (uint8(p) + 1) << 6 }

func protoFromFlag(f uint8) (Proto, error) {
	switch f >> 6 {
	case 1:
		return ProtoTCP, nil
	case 2:
		return ProtoUDP, nil
	default:
		return 0, fmt.Errorf("%w: protocol flag %#02x", ErrMalformed, f)
	}
}

// Header is shared by every message variant.
type Header struct {
	Counter uint16
	ID      uint16
	Type    Type
	SubType SubType
	Proto   Proto
}

func (h *Header) header() *Header { return h }

// TypeID combines type and sub-type into a single dispatch key.
func (h *Header) TypeID() uint16 { return uint16(h.Type)<<8 | uint16(h.SubType) }

func (h *Header) encode(c *Cursor) error {
	return errors.Join(
		c.PutUint16(h.Counter),
		c.PutUint16(h.ID),
		c.PutUint8(uint8(h.Type)),
		c.PutUint8(uint8(h.SubType)),
		c.PutUint8(h.Proto.flag()),
		c.Spare(1),
	)
}

func (h *Header) decode(c *Cursor) error {
	if err := c.SetPosition(0); err != nil {
		return err
	}
	var err error
	if h.Counter, err = c.Uint16(); err != nil {
		return err
	}
	if h.ID, err = c.Uint16(); err != nil {
		return err
	}
	t, err := c.Uint8()
	if err != nil {
		return err
	}
	st, err := c.Uint8()
	if err != nil {
		return err
	}
	flag, err := c.Uint8()
	if err != nil {
		return err
	}
	if err := c.Skip(1); err != nil {
		return err
	}
	h.Type, h.SubType = Type(t), SubType(st)
	h.Proto, err = protoFromFlag(flag)
	return err
}

// Message is implemented by every concrete message variant. Variants only
// describe their payload; the header is always handled first by Marshal and
// Unmarshal.
type Message interface {
	header() *Header
	subType() SubType
	payloadSize() int
	encodePayload(c *Cursor) error
	decodePayload(c *Cursor) error
}

// HeaderOf exposes the common header of any message.
func HeaderOf(m Message) Header { return *m.header() }

// SetProto stamps the transport m is about to travel over.
func SetProto(m Message, p Proto) { m.header().Proto = p }

// Marshal frames m in the given byte order.
func Marshal(m Message, order binary.ByteOrder) ([]byte, error) {
	c := NewCursor(HeaderSize+m.payloadSize(), order)
	h := m.header()
	h.SubType = m.subType()
	h.Type = familyOf(h.SubType)
	if err := h.encode(c); err != nil {
		return nil, fmt.Errorf("wire: encode header: %w", err)
	}
	if err := m.encodePayload(c); err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", h.SubType, err)
	}
	return c.Bytes(), nil
}

// Unmarshal decodes raw into m. The sub-type on the wire must match m's.
func Unmarshal(raw []byte, order binary.ByteOrder, m Message) error {
	c := FromBytes(raw, order)
	want := m.subType()
	if err := m.header().decode(c); err != nil {
		return fmt.Errorf("wire: decode header: %w", err)
	}
	if got := m.header().SubType; got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, got)
	}
	if err := m.decodePayload(c); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", want, err)
	}
	return nil
}

// PeekSubType reads the sub-type byte without decoding the rest of the frame.
func PeekSubType(raw []byte) (SubType, error) {
	if len(raw) == 0 {
		return 0, ErrEmpty
	}
	if len(raw) <= subTypeOffset {
		return 0, fmt.Errorf("%w: %d byte frame has no sub-type", ErrOutOfBounds, len(raw))
	}
	return SubType(raw[subTypeOffset]), nil
}

// Decode peeks the sub-type and decodes raw into the matching variant.
func Decode(raw []byte, order binary.ByteOrder) (Message, error) {
	st, err := PeekSubType(raw)
	if err != nil {
		return nil, err
	}
	var m Message
	switch st {
	case SubTypeSimple:
		m = &Simple{}
	case SubTypeDiscoverHello:
		m = &DiscoverHello{}
	case SubTypeDiscoverResponse:
		m = &DiscoverResponse{}
	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrMalformed, st)
	}
	if err := Unmarshal(raw, order, m); err != nil {
		return nil, err
	}
	return m, nil
}
