package qube

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/progress"
	"github.com/sneh-joshi/disqube/internal/transport"
	"github.com/sneh-joshi/disqube/internal/wire"
)

// UDPSender is what a discovery scan sends hellos through. *Interface
// satisfies it.
type UDPSender interface {
	SendUDP(ctx context.Context, dst netip.AddrPort, m wire.Message) error
}

// Scan describes one subnet sweep.
type Scan struct {
	Subnet  transport.Subnet
	Gateway uint32
	// Self is skipped along with the gateway.
	Self       uint32
	WorkerPort uint16
	// Delay spaces consecutive hellos.
	Delay time.Duration
}

// NewScan parses the subnet settings of a sweep.
func NewScan(address, mask, gateway string, self netip.Addr, workerPort uint16, delay time.Duration) (Scan, error) {
	sn, err := transport.ParseSubnet(address, mask)
	if err != nil {
		return Scan{}, fmt.Errorf("qube: subnet: %w", err)
	}
	gw, err := transport.IPToUint32(gateway)
	if err != nil {
		return Scan{}, fmt.Errorf("qube: gateway: %w", err)
	}
	if !sn.Contains(gw) {
		return Scan{}, fmt.Errorf("qube: gateway %s is outside %s", gateway, sn)
	}
	var selfAddr uint32
	if self.IsValid() {
		selfAddr = transport.AddrToUint32(self)
	}
	return Scan{Subnet: sn, Gateway: gw, Self: selfAddr, WorkerPort: workerPort, Delay: delay}, nil
}

// Targets is the number of addresses a sweep visits.
func (s Scan) Targets() uint64 {
	if s.Subnet.Usable == 0 {
		return 0
	}
	n := uint64(s.Subnet.Usable)
	if s.inRange(s.Gateway) {
		n--
	}
	if s.Self != s.Gateway && s.inRange(s.Self) {
		n--
	}
	return n
}

func (s Scan) inRange(addr uint32) bool {
	return addr >= s.Subnet.First && addr <= s.Subnet.Last
}

// ScanResult summarises one sweep.
type ScanResult struct {
	Sent   int
	Failed int
}

// Run sends one DiscoverHello to every usable address of the subnet except
// the gateway and the scanning node itself. round becomes the hello counter;
// ids count up from 1 within the round. Individual send failures are logged
// and counted; only ctx ending stops the sweep early.
func (s Scan) Run(ctx context.Context, tx UDPSender, hello wire.DiscoverHello, round uint16, report progress.Func, log *zap.Logger) (ScanResult, error) {
	var res ScanResult
	if s.Subnet.Usable == 0 {
		return res, nil
	}

	log.Info("discovery scan",
		zap.String("subnet", s.Subnet.String()),
		zap.String("gateway", transport.Uint32ToIP(s.Gateway)),
		zap.Uint32("usable", s.Subnet.Usable),
		zap.Int("host_bits", s.Subnet.HostBits()),
		zap.Uint16("round", round),
	)

	tr := progress.New("discovery", uint64(s.Subnet.Usable), 10, report)
	var id uint16
	for addr := range progress.Range(s.Subnet.First, s.Subnet.Last, tr) {
		if addr == s.Gateway || addr == s.Self {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		id++
		m := hello
		m.Counter = round
		m.ID = id
		dst := netip.AddrPortFrom(transport.Uint32ToAddr(addr), s.WorkerPort)
		if err := tx.SendUDP(ctx, dst, &m); err != nil {
			res.Failed++
			log.Debug("hello not sent", zap.Stringer("dst", dst), zap.Error(err))
		} else {
			res.Sent++
		}

		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.Delay):
			}
		}
	}
	return res, nil
}

// ErrNoWorkers is recorded as the shutdown cause when every discovery round
// ends without a response.
var ErrNoWorkers = errors.New("qube: no worker answered discovery")
