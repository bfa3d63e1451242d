package wire

import "errors"

// Simple carries free text after the header.
type Simple struct {
	Header
	Text string
}

// NewSimple builds a text message sent over proto.
func NewSimple(text string, proto Proto) *Simple {
	return &Simple{
		Header: Header{Type: TypeSimple, SubType: SubTypeSimple, Proto: proto},
		Text:   text,
	}
}

func (m *Simple) subType() SubType { return SubTypeSimple }

func (m *Simple) payloadSize() int { return len(m.Text) }

func (m *Simple) encodePayload(c *Cursor) error { return c.PutBytes([]byte(m.Text)) }

func (m *Simple) decodePayload(c *Cursor) error {
	m.Text = string(c.Rest())
	return nil
}

// DiscoverHello is broadcast by a manager while scanning the subnet. It tells
// the receiver where the manager listens.
type DiscoverHello struct {
	Header
	UDPPort uint16
	TCPPort uint16
	Addr    uint32
}

const helloPayloadSize = 2 + 2 + 4

// NewDiscoverHello builds a hello advertising the sender's listener ports and
// IPv4 address (host order).
func NewDiscoverHello(udpPort, tcpPort uint16, addr uint32) *DiscoverHello {
	return &DiscoverHello{
		Header:  Header{Type: TypeDiscover, SubType: SubTypeDiscoverHello, Proto: ProtoUDP},
		UDPPort: udpPort,
		TCPPort: tcpPort,
		Addr:    addr,
	}
}

func (m *DiscoverHello) subType() SubType { return SubTypeDiscoverHello }

func (m *DiscoverHello) payloadSize() int { return helloPayloadSize }

func (m *DiscoverHello) encodePayload(c *Cursor) error {
	return errors.Join(
		c.PutUint16(m.UDPPort),
		c.PutUint16(m.TCPPort),
		c.PutUint32(m.Addr),
	)
}

func (m *DiscoverHello) decodePayload(c *Cursor) (err error) {
	if m.UDPPort, err = c.Uint16(); err != nil {
		return err
	}
	if m.TCPPort, err = c.Uint16(); err != nil {
		return err
	}
	m.Addr, err = c.Uint32()
	return err
}

// DiscoverResponse is a worker's answer to a hello. Besides its own endpoints
// it reports spare capacity.
type DiscoverResponse struct {
	Header
	UDPPort   uint16
	TCPPort   uint16
	Addr      uint32
	FreeRAMMB uint32
	// FreeRAMKB is the remainder below one megabyte.
	FreeRAMKB uint32
	CPUUsage  uint8
}

const responsePayloadSize = 2 + 2 + 4 + 4 + 4 + 1 + 3

// NewDiscoverResponse answers hello, echoing its counter and id.
func NewDiscoverResponse(hello *DiscoverHello, udpPort, tcpPort uint16, addr uint32) *DiscoverResponse {
	return &DiscoverResponse{
		Header: Header{
			Counter: hello.Counter,
			ID:      hello.ID,
			Type:    TypeDiscover,
			SubType: SubTypeDiscoverResponse,
			Proto:   ProtoUDP,
		},
		UDPPort: udpPort,
		TCPPort: tcpPort,
		Addr:    addr,
	}
}

// SetFreeRAM splits a byte count into the MB and KB fields.
func (m *DiscoverResponse) SetFreeRAM(bytes uint64) {
	kb := bytes / 1024
	m.FreeRAMMB = uint32(kb / 1024)
	m.FreeRAMKB = uint32(kb % 1024)
}

// FreeRAM reassembles the reported free memory in bytes.
func (m *DiscoverResponse) FreeRAM() uint64 {
	return (uint64(m.FreeRAMMB)*1024 + uint64(m.FreeRAMKB)) * 1024
}

func (m *DiscoverResponse) subType() SubType { return SubTypeDiscoverResponse }

func (m *DiscoverResponse) payloadSize() int { return responsePayloadSize }

func (m *DiscoverResponse) encodePayload(c *Cursor) error {
	return errors.Join(
		c.PutUint16(m.UDPPort),
		c.PutUint16(m.TCPPort),
		c.PutUint32(m.Addr),
		c.PutUint32(m.FreeRAMMB),
		c.PutUint32(m.FreeRAMKB),
		c.PutUint8(m.CPUUsage),
		c.Spare(3),
	)
}

func (m *DiscoverResponse) decodePayload(c *Cursor) (err error) {
	if m.UDPPort, err = c.Uint16(); err != nil {
		return err
	}
	if m.TCPPort, err = c.Uint16(); err != nil {
		return err
	}
	if m.Addr, err = c.Uint32(); err != nil {
		return err
	}
	if m.FreeRAMMB, err = c.Uint32(); err != nil {
		return err
	}
	if m.FreeRAMKB, err = c.Uint32(); err != nil {
		return err
	}
	if m.CPUUsage, err = c.Uint8(); err != nil {
		return err
	}
	return c.Skip(3)
}
