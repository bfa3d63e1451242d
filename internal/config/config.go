// Package config holds all configuration types and loading logic for a qube
// node. Sections mirror the node's subsystems; fields are only ever added.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a qube process.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Environment EnvironmentConfig `yaml:"environment"`
	Network     NetworkConfig     `yaml:"network"`
	Qube        QubeConfig        `yaml:"qube"`
	Logging     LoggingConfig     `yaml:"logging"`
	Admin       AdminConfig       `yaml:"admin"`
}

// NodeConfig holds identity and addressing for this node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
	// Interface names the network interface whose IPv4 address the node
	// advertises. Address, when set, takes precedence. An Address of 0.0.0.0
	// makes a worker answer each hello with the address it arrived on.
	Interface string `yaml:"interface"`
	Address   string `yaml:"address"`
	// Bind is the local address sockets are bound to.
	Bind string `yaml:"bind"`
}

// EnvironmentConfig describes the cluster the node lives in.
type EnvironmentConfig struct {
	Discover      bool         `yaml:"discover"`
	NumQubes      int          `yaml:"num_qubes"`
	MaxQubes      int          `yaml:"max_qubes"`
	Subnet        SubnetConfig `yaml:"subnet"`
	WorkerUDPPort uint16       `yaml:"worker_udp_port"`
}

// SubnetConfig is the network scanned during discovery.
type SubnetConfig struct {
	Address string `yaml:"address"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway"`
}

// ByteOrder selects the multi-byte field order on the wire.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// NetworkConfig groups both transports.
type NetworkConfig struct {
	ByteOrder ByteOrder `yaml:"byte_order"`
	UDP       UDPConfig `yaml:"udp"`
	TCP       TCPConfig `yaml:"tcp"`
	// PollTimeoutMs bounds every readiness poll in the listener loops.
	PollTimeoutMs int `yaml:"poll_timeout_ms"`
}

type UDPConfig struct {
	SendPort      uint16 `yaml:"send_port"`
	ListenPort    uint16 `yaml:"listen_port"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

type TCPConfig struct {
	SendPort         uint16 `yaml:"send_port"`
	ListenPort       uint16 `yaml:"listen_port"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	MaxConnections   int    `yaml:"max_connections"`
	Reconnections    int    `yaml:"reconnections"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
}

// QubeConfig tunes the run loop.
type QubeConfig struct {
	ReceptionTimerMs   int `yaml:"reception_timer_ms"`
	DiscoveryWindowMs  int `yaml:"discovery_window_ms"`
	DiscoveryMaxRounds int `yaml:"discovery_max_rounds"`
	// HelloDelayMs spaces consecutive discovery hellos.
	HelloDelayMs    int `yaml:"hello_delay_ms"`
	HeartbeatMs     int `yaml:"heartbeat_ms"`
	InboxCapacity   int `yaml:"inbox_capacity"`
	MetricsSampleMs int `yaml:"metrics_sample_ms"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OnFile     bool   `yaml:"on_file"`
	RootFolder string `yaml:"root_folder"`
}

// AdminConfig controls the HTTP status surface.
type AdminConfig struct {
	Enabled bool    `yaml:"enabled"`
	Host    string  `yaml:"host"`
	Port    int     `yaml:"port"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:        "auto",
			DataDir:   "./data",
			Interface: "lo",
			Bind:      "0.0.0.0",
		},
		Environment: EnvironmentConfig{
			Discover: true,
			NumQubes: 1,
			MaxQubes: 254,
			Subnet: SubnetConfig{
				Address: "127.0.0.0",
				Mask:    "255.255.255.0",
				Gateway: "127.0.0.254",
			},
			WorkerUDPPort: 9000,
		},
		Network: NetworkConfig{
			ByteOrder: BigEndian,
			UDP: UDPConfig{
				SendPort:      9001,
				ListenPort:    9002,
				QueueCapacity: 100,
			},
			TCP: TCPConfig{
				SendPort:         9003,
				ListenPort:       9004,
				QueueCapacity:    100,
				MaxConnections:   10,
				Reconnections:    5,
				ConnectTimeoutMs: 1000,
			},
			PollTimeoutMs: 250,
		},
		Qube: QubeConfig{
			ReceptionTimerMs:   100,
			DiscoveryWindowMs:  1000,
			DiscoveryMaxRounds: 3,
			HelloDelayMs:       5,
			HeartbeatMs:        5000,
			InboxCapacity:      100,
			MetricsSampleMs:    200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			OnFile:     false,
			RootFolder: "./log",
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			RPS:     20,
			Burst:   40,
		},
	}
}

// Load reads the YAML config file at path and overlays it on top of
// Default(). Unlike the defaults, the file is mandatory: a qube cannot guess
// its subnet.
//
// After loading the file, environment variables are applied as overrides:
//
//	DISQUBE_DATA_DIR    sets node.data_dir
//	DISQUBE_INTERFACE   sets node.interface
//	DISQUBE_ADMIN_PORT  sets admin.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DISQUBE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DISQUBE_INTERFACE"); v != "" {
		cfg.Node.Interface = v
	}
	if v := os.Getenv("DISQUBE_ADMIN_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Admin.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Node.Interface == "" && c.Node.Address == "" {
		return errors.New("one of node.interface or node.address must be set")
	}
	if c.Node.Address != "" && !isIPv4(c.Node.Address) {
		return errors.New("node.address must be an IPv4 address")
	}
	if !isIPv4(c.Node.Bind) {
		return errors.New("node.bind must be an IPv4 address")
	}
	for name, v := range map[string]string{
		"environment.subnet.address": c.Environment.Subnet.Address,
		"environment.subnet.mask":    c.Environment.Subnet.Mask,
		"environment.subnet.gateway": c.Environment.Subnet.Gateway,
	} {
		if !isIPv4(v) {
			return fmt.Errorf("%s must be an IPv4 address", name)
		}
	}
	if c.Environment.WorkerUDPPort == 0 {
		return errors.New("environment.worker_udp_port must be set")
	}
	if c.Environment.NumQubes < 1 || c.Environment.NumQubes > c.Environment.MaxQubes {
		return errors.New("environment.num_qubes must be between 1 and environment.max_qubes")
	}
	switch c.Network.ByteOrder {
	case BigEndian, LittleEndian:
	default:
		return errors.New(`network.byte_order must be one of "big", "little"`)
	}
	if c.Network.UDP.QueueCapacity < 1 || c.Network.TCP.QueueCapacity < 1 {
		return errors.New("network queue capacities must be at least 1")
	}
	if c.Network.TCP.MaxConnections < 1 {
		return errors.New("network.tcp.max_connections must be at least 1")
	}
	if c.Network.TCP.Reconnections < 1 {
		return errors.New("network.tcp.reconnections must be at least 1")
	}
	if c.Network.PollTimeoutMs < 1 {
		return errors.New("network.poll_timeout_ms must be at least 1")
	}
	if c.Qube.ReceptionTimerMs < 1 {
		return errors.New("qube.reception_timer_ms must be at least 1")
	}
	if c.Qube.DiscoveryWindowMs < c.Qube.ReceptionTimerMs {
		return errors.New("qube.discovery_window_ms must not be shorter than qube.reception_timer_ms")
	}
	if c.Qube.DiscoveryMaxRounds < 1 {
		return errors.New("qube.discovery_max_rounds must be at least 1")
	}
	if c.Qube.InboxCapacity < 1 {
		return errors.New("qube.inbox_capacity must be at least 1")
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return errors.New("admin.port must be between 1 and 65535")
	}
	return nil
}

// Order resolves the configured wire byte order.
func (n NetworkConfig) Order() binary.ByteOrder {
	if n.ByteOrder == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (n NetworkConfig) PollTimeout() time.Duration {
	return time.Duration(n.PollTimeoutMs) * time.Millisecond
}

func (t TCPConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMs) * time.Millisecond
}

func (q QubeConfig) ReceptionTimer() time.Duration {
	return time.Duration(q.ReceptionTimerMs) * time.Millisecond
}

func (q QubeConfig) DiscoveryWindow() time.Duration {
	return time.Duration(q.DiscoveryWindowMs) * time.Millisecond
}

func (q QubeConfig) HelloDelay() time.Duration {
	return time.Duration(q.HelloDelayMs) * time.Millisecond
}

func (q QubeConfig) Heartbeat() time.Duration {
	return time.Duration(q.HeartbeatMs) * time.Millisecond
}

func (q QubeConfig) MetricsSample() time.Duration {
	return time.Duration(q.MetricsSampleMs) * time.Millisecond
}

func isIPv4(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}
