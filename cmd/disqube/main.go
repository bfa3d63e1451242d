// Command disqube runs one qube of the cluster fabric.
// It loads configuration, restores node identity and drives the qube
// lifecycle until it is signalled or runs out of workers.
//
// Usage:
//
//	disqube --config path/to/disqube.yaml [--master] [--verbose]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sneh-joshi/disqube/internal/admin"
	"github.com/sneh-joshi/disqube/internal/config"
	"github.com/sneh-joshi/disqube/internal/logging"
	"github.com/sneh-joshi/disqube/internal/metrics"
	"github.com/sneh-joshi/disqube/internal/node"
	"github.com/sneh-joshi/disqube/internal/qube"
	"github.com/sneh-joshi/disqube/internal/store"
	"github.com/sneh-joshi/disqube/internal/sysmetrics"
	"github.com/sneh-joshi/disqube/internal/transport"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "disqube: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "disqube.yaml", "path to config file")
	master := flag.Bool("master", false, "run as the master qube")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Open the node store and restore identity ──────────────────────────
	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	lastReason, err := st.ShutdownReason()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read store: %w", err)
	}
	n, err := node.New(st, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	// ── 3. Set up the logger ─────────────────────────────────────────────────
	role := roleName(*master)
	log, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Verbose:    *verbose,
		OnFile:     cfg.Logging.OnFile,
		RootFolder: cfg.Logging.RootFolder,
		NodeID:     n.ID().String(),
		Role:       role,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() {
		_ = log.Sync()
		_ = closeLog()
	}()

	log.Info("disqube starting",
		zap.String("version", version),
		zap.Uint64("boot", n.Boot()),
		zap.String("last_shutdown", lastReason),
		zap.String("data_dir", cfg.Node.DataDir),
		zap.Bool("discover", cfg.Environment.Discover),
	)

	// ── 4. Metrics registry ──────────────────────────────────────────────────
	reg := metrics.New()
	reg.SetBuildInfo(version, n.ID().String())

	// ── 5. Resolve the advertised address and the discovery sweep ────────────
	addr, err := advertisedAddr(cfg.Node)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	sn := cfg.Environment.Subnet
	scan, err := qube.NewScan(sn.Address, sn.Mask, sn.Gateway, addr, cfg.Environment.WorkerUDPPort, cfg.Qube.HelloDelay())
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	// ── 6. System metrics sampler ────────────────────────────────────────────
	sampler, err := sysmetrics.NewSampler(cfg.Qube.MetricsSample())
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	// ── 7. Build the qube ────────────────────────────────────────────────────
	itfCfg := interfaceConfig(cfg, addr, *master)
	q, err := qube.New(qube.Options{
		NodeID:          n.ID().String(),
		Master:          *master,
		Discover:        cfg.Environment.Discover,
		Scan:            scan,
		DiscoveryWindow: cfg.Qube.DiscoveryWindow(),
		DiscoveryRounds: cfg.Qube.DiscoveryMaxRounds,
		ExpectedWorkers: cfg.Environment.NumQubes - 1,
		MaxWorkers:      cfg.Environment.MaxQubes - 1,
		ReceptionTimer:  cfg.Qube.ReceptionTimer(),
		Heartbeat:       cfg.Qube.Heartbeat(),
		Order:           cfg.Network.Order(),
	}, qube.Deps{
		Open:    func() (*qube.Interface, error) { return qube.OpenInterface(itfCfg, log) },
		Sampler: sampler,
		Journal: st,
		Metrics: reg,
		Log:     log,
	})
	if err != nil {
		return fmt.Errorf("init qube: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// ── 8. Start the admin surface ───────────────────────────────────────────
	var srv *admin.Server
	if cfg.Admin.Enabled {
		srv = admin.New(q, reg, admin.Options{
			Version: version,
			RPS:     cfg.Admin.RPS,
			Burst:   cfg.Admin.Burst,
		}, log.Named("admin"))
		adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
		go func() {
			log.Info("admin listening", zap.String("addr", adminAddr))
			if err := srv.ListenAndServe(adminAddr); !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	// ── 9. Run the lifecycle until SIGINT / SIGTERM ──────────────────────────
	runErr := q.Run(ctx)

	if srv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("admin shutdown error", zap.Error(err))
		}
	}
	if runErr != nil {
		log.Error("disqube stopped", zap.Error(runErr))
		return runErr
	}
	log.Info("disqube stopped")
	return nil
}

func roleName(master bool) string {
	if master {
		return "master"
	}
	return "worker"
}

// advertisedAddr is node.address when set, otherwise the first IPv4 address
// of node.interface.
func advertisedAddr(nc config.NodeConfig) (netip.Addr, error) {
	raw := nc.Address
	if raw == "" {
		ip, err := transport.InterfaceIPv4(nc.Interface)
		if err != nil {
			return netip.Addr{}, err
		}
		raw = ip
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not IPv4", a)
	}
	return a, nil
}

// interfaceConfig maps the network section onto both transports. Workers
// listen for UDP on the port masters sweep.
func interfaceConfig(cfg *config.Config, addr netip.Addr, master bool) qube.InterfaceConfig {
	nc := cfg.Network
	udpListen := nc.UDP.ListenPort
	if !master && cfg.Environment.WorkerUDPPort != 0 {
		udpListen = cfg.Environment.WorkerUDPPort
	}
	return qube.InterfaceConfig{
		UDP: transport.Config{
			IP:            cfg.Node.Bind,
			SendPort:      nc.UDP.SendPort,
			ListenPort:    udpListen,
			QueueCapacity: nc.UDP.QueueCapacity,
			PollTimeout:   nc.PollTimeout(),
			Order:         nc.Order(),
		},
		TCP: transport.Config{
			IP:             cfg.Node.Bind,
			SendPort:       nc.TCP.SendPort,
			ListenPort:     nc.TCP.ListenPort,
			QueueCapacity:  nc.TCP.QueueCapacity,
			MaxConnections: nc.TCP.MaxConnections,
			Reconnections:  nc.TCP.Reconnections,
			ConnectTimeout: nc.TCP.ConnectTimeout(),
			PollTimeout:    nc.PollTimeout(),
			Order:          nc.Order(),
		},
		Addr:          addr,
		InboxCapacity: cfg.Qube.InboxCapacity,
	}
}
