//go:build linux

package config

import (
	"log/slog"

	"kdev/internal/iomgr"
	"kdev/internal/replay"
)

// IOConfig is the device configuration these settings describe.
func (cfg *Config) IOConfig(log *slog.Logger) iomgr.Config {
	io := iomgr.DefaultConfig()
	io.Backend = iomgr.BackendKind(cfg.Backend)
	io.MaxQueueDepth = cfg.QueueDepth
	io.ReapBatch = cfg.ReapBatch
	io.PollInterval = cfg.PollInterval
	io.SubmitRetries = cfg.SubmitRetries
	if cfg.SubmitRetries == 0 { io.SubmitRetries = iomgr.NoRetries }
	io.SubmitBackoff = cfg.SubmitBackoff
	io.Buffered = cfg.Buffered
	io.Logger = log
	return io
}

func (cfg *Config) ReplayOptions(log *slog.Logger) replay.Options {
	return replay.Options{
		BatchSize: 	cfg.BatchSize,
		SlabSize: 	cfg.SlabSize,
		Rate: 		cfg.Rate,
		Logger: 	log,
	}
}
