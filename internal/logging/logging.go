// Package logging builds the process logger: a colorized console core,
// optionally tee'd with a JSON file core, tagged with the node identity.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects what New builds.
type Options struct {
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string
	// Verbose forces debug regardless of Level.
	Verbose bool
	// OnFile adds a JSON core writing to FileName(RootFolder, NodeID).
	OnFile     bool
	RootFolder string
	NodeID     string
	Role       string
	// Console overrides stderr, mainly for tests.
	Console zapcore.WriteSyncer
}

// FileName is the log file path used when file logging is enabled.
func FileName(root, nodeID string) string {
	return filepath.Join(root, "disqube-"+nodeID+".log")
}

// New builds a logger from opts. The returned close func syncs and releases
// the log file; it is safe to call when file logging is off.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	enabler := zap.NewAtomicLevelAt(level)

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), console, enabler),
	}

	closer := func() error { return nil }
	if opts.OnFile {
		if err := os.MkdirAll(opts.RootFolder, 0o750); err != nil {
			return nil, nil, fmt.Errorf("logging: create %s: %w", opts.RootFolder, err)
		}
		path := FileName(opts.RootFolder, opts.NodeID)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), enabler))
		closer = func() error {
			_ = f.Sync()
			return f.Close()
		}
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).With(
		zap.String("node_id", opts.NodeID),
		zap.String("role", opts.Role),
	)
	return logger, closer, nil
}
