//go:build linux

package iomgr

import (
	"fmt"
	"log/slog"
	"time"

	c "kdev/internal"
	"kdev/internal/system"
)

type BackendKind string

const (
	BackendLibaio	BackendKind = "libaio"
	BackendUring	BackendKind = "io_uring"
)

// NoRetries as Config.SubmitRetries gives up on the first EAGAIN.
const NoRetries = -1

type Config struct {
	MaxQueueDepth	int				// registry slots and kernel context size
	ReapBatch		int				// max completions per Reap
	PollInterval	time.Duration	// max time Reap blocks when nothing is ready
	SubmitRetries	int				// EAGAIN retries per stalled submission, 0 means the default, NoRetries none
	SubmitBackoff	time.Duration	// first EAGAIN sleep, doubled each retry

	Backend			BackendKind
	Buffered		bool			// open without O_DIRECT

	Resolver		system.Resolver

	// NewBackend overrides Backend, mostly for tests.
	NewBackend		func(fd int, depth int) (Backend, error)

	// OnFatal gets every fatal error before it is returned. The default logs and
	// panics, a handler that returns lets the error propagate to the caller instead.
	OnFatal			func(err error)

	Logger			*slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxQueueDepth: 	c.AIO_MAX_QUEUE_DEPTH,
		ReapBatch: 		c.AIO_REAP_MAX,
		PollInterval: 	c.AIO_POLL_MS * time.Millisecond,
		SubmitRetries: 	c.AIO_SUBMIT_RETRIES,
		SubmitBackoff: 	c.AIO_SUBMIT_BACKOFF_US * time.Microsecond,
		Backend: 		BackendLibaio,
		Resolver: 		system.SysfsResolver{},
	}
}

// Validate checks the configuration and fills unset (zero) fields from DefaultConfig.
func (cfg *Config) Validate() error {
	def := DefaultConfig()

	if cfg.MaxQueueDepth < 0 { return fmt.Errorf("max queue depth must not be negative") }
	if cfg.ReapBatch < 0 { return fmt.Errorf("reap batch must not be negative") }
	if cfg.PollInterval < 0 { return fmt.Errorf("poll interval must not be negative") }
	if cfg.SubmitBackoff < 0 { return fmt.Errorf("submit backoff must not be negative") }
	if cfg.SubmitRetries < NoRetries { return fmt.Errorf("submit retries must be NoRetries or more") }

	if cfg.MaxQueueDepth == 0 { cfg.MaxQueueDepth = def.MaxQueueDepth }
	if cfg.ReapBatch == 0 { cfg.ReapBatch = def.ReapBatch }
	if cfg.PollInterval == 0 { cfg.PollInterval = def.PollInterval }
	if cfg.SubmitBackoff == 0 { cfg.SubmitBackoff = def.SubmitBackoff }
	if cfg.SubmitRetries == 0 { cfg.SubmitRetries = def.SubmitRetries }
	if cfg.Backend == "" { cfg.Backend = def.Backend }
	if cfg.Resolver == nil { cfg.Resolver = def.Resolver }
	if cfg.Logger == nil { cfg.Logger = slog.Default() }

	if cfg.ReapBatch > cfg.MaxQueueDepth {
		return fmt.Errorf("reap batch %d exceeds max queue depth %d", cfg.ReapBatch, cfg.MaxQueueDepth)
	}

	if cfg.NewBackend == nil {
		switch cfg.Backend {
		case BackendLibaio:
			cfg.NewBackend = newAioBackend
		case BackendUring:
			cfg.NewBackend = newUringBackend
		default:
			return fmt.Errorf("unknown backend %q", cfg.Backend)
		}
	}

	if cfg.OnFatal == nil {
		log := cfg.Logger
		cfg.OnFatal = func(err error) {
			log.Error("unrecoverable AIO failure", "err", err)
			panic(err)
		}
	}

	return nil
}
