package transport

import (
	"net/netip"
	"time"

	"github.com/sneh-joshi/disqube/internal/wire"
)

// Envelope is one received frame together with where it came from. Dst is
// the local address a datagram was sent to; it is only set for UDP when the
// kernel reports it.
type Envelope struct {
	Data       []byte
	Src        netip.AddrPort
	Dst        netip.Addr
	Proto      wire.Proto
	ReceivedAt time.Time
}

func newEnvelope(b []byte, src netip.AddrPort, proto wire.Proto) Envelope {
	data := make([]byte, len(b))
	copy(data, b)
	return Envelope{Data: data, Src: src, Proto: proto, ReceivedAt: time.Now()}
}
