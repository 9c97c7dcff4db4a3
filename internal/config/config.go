// Settings for the kdev command, layered defaults < file < KDEV_* env < flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	c "kdev/internal"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

const ENV_PREFIX = "KDEV_"

type Config struct {
	Device			string
	Iolog			string

	Backend			string
	QueueDepth		int
	ReapBatch		int
	PollInterval	time.Duration
	SubmitRetries	int
	SubmitBackoff	time.Duration
	Buffered		bool

	BatchSize		int
	SlabSize		int
	Rate			float64

	Verbose			bool
}

func DefaultConfig() Config {
	return Config{
		Backend: 		"libaio",
		QueueDepth: 	c.AIO_MAX_QUEUE_DEPTH,
		ReapBatch: 		c.AIO_REAP_MAX,
		PollInterval: 	c.AIO_POLL_MS * time.Millisecond,
		SubmitRetries: 	c.AIO_SUBMIT_RETRIES,
		SubmitBackoff: 	c.AIO_SUBMIT_BACKOFF_US * time.Microsecond,
		SlabSize: 		1 << 20,
	}
}

// RegisterFlags binds every setting to a flag on fs, defaulting to cfg's current values.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Device, "device", "d", cfg.Device, "block device to open, e.g. /dev/loop0")
	fs.StringVar(&cfg.Iolog, "iolog", cfg.Iolog, "fio iolog to replay")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "kernel facility: libaio or io_uring")
	fs.IntVar(&cfg.QueueDepth, "depth", cfg.QueueDepth, "max ops in flight")
	fs.IntVar(&cfg.ReapBatch, "reap", cfg.ReapBatch, "max completions collected per reap")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "max time a reap waits for completions")
	fs.IntVar(&cfg.SubmitRetries, "retries", cfg.SubmitRetries, "io_submit EAGAIN retries before giving up")
	fs.DurationVar(&cfg.SubmitBackoff, "backoff", cfg.SubmitBackoff, "first io_submit EAGAIN sleep, doubled per retry")
	fs.BoolVar(&cfg.Buffered, "buffered", cfg.Buffered, "open without O_DIRECT")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "ops per submit when replaying, 0 for the queue depth")
	fs.IntVar(&cfg.SlabSize, "slab", cfg.SlabSize, "replay buffer size, the largest op allowed")
	fs.Float64Var(&cfg.Rate, "rate", cfg.Rate, "replay throttle in ops per second, 0 for none")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "debug logging")
}

// Changed collects the names of the flags set on the command line.
func Changed(fs *pflag.FlagSet) map[string]bool {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	return changed
}

func (cfg *Config) Validate() error {
	if cfg.Device == "" {
		return fmt.Errorf("device is required")
	}
	if cfg.QueueDepth <= 0 {
		return fmt.Errorf("depth must be positive")
	}
	if cfg.ReapBatch <= 0 || cfg.ReapBatch > cfg.QueueDepth {
		return fmt.Errorf("reap must be in 1..%d", cfg.QueueDepth)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if cfg.SubmitRetries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if cfg.BatchSize < 0 || cfg.BatchSize > cfg.QueueDepth {
		return fmt.Errorf("batch must be in 0..%d", cfg.QueueDepth)
	}
	if cfg.SlabSize <= 0 {
		return fmt.Errorf("slab must be positive")
	}
	if cfg.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	return nil
}

// FileConfig is the TOML layout, durations as strings.
type FileConfig struct {
	Device			string	`toml:"device"`
	Backend			string	`toml:"backend"`
	QueueDepth		int		`toml:"queue_depth"`
	ReapBatch		int		`toml:"reap_batch"`
	PollInterval	string	`toml:"poll_interval"`
	SubmitRetries	*int	`toml:"submit_retries"`
	SubmitBackoff	string	`toml:"submit_backoff"`
	Buffered		*bool	`toml:"buffered"`

	Replay struct {
		Iolog		string	`toml:"iolog"`
		BatchSize	int		`toml:"batch_size"`
		SlabSize	int		`toml:"slab_size"`
		Rate		float64	`toml:"rate"`
	} `toml:"replay"`
}

func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFileConfig copies the values set in fc into cfg, skipping any setting whose
// flag was given on the command line.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := setter{changed}

	s.setString("device", fc.Device, &cfg.Device)
	s.setString("backend", fc.Backend, &cfg.Backend)
	s.setString("iolog", fc.Replay.Iolog, &cfg.Iolog)

	s.setInt("depth", fc.QueueDepth, &cfg.QueueDepth)
	s.setInt("reap", fc.ReapBatch, &cfg.ReapBatch)
	s.setInt("batch", fc.Replay.BatchSize, &cfg.BatchSize)
	s.setInt("slab", fc.Replay.SlabSize, &cfg.SlabSize)
	if fc.SubmitRetries != nil && !changed["retries"] {
		cfg.SubmitRetries = *fc.SubmitRetries
	}

	if err := s.setDuration("poll", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("backoff", fc.SubmitBackoff, &cfg.SubmitBackoff); err != nil {
		return err
	}

	s.setFloat("rate", fc.Replay.Rate, &cfg.Rate)
	s.setBool("buffered", fc.Buffered, &cfg.Buffered)
	return nil
}

// LoadDotenv loads path into the environment if it exists. Variables already set win.
func LoadDotenv(path string) error {
	if !FileExists(path) { return nil }
	return godotenv.Load(path)
}

// ApplyEnvConfig applies KDEV_* variables from lookup, skipping changed flags.
func ApplyEnvConfig(cfg *Config, lookup func(string) (string, bool), changed map[string]bool) error {
	s := setter{changed}
	env := func(name string) string {
		v, _ := lookup(ENV_PREFIX + name)
		return v
	}

	s.setString("device", env("DEVICE"), &cfg.Device)
	s.setString("iolog", env("IOLOG"), &cfg.Iolog)
	s.setString("backend", env("BACKEND"), &cfg.Backend)

	if err := s.setIntFromString("depth", env("QUEUE_DEPTH"), &cfg.QueueDepth); err != nil {
		return err
	}
	if err := s.setIntFromString("reap", env("REAP_BATCH"), &cfg.ReapBatch); err != nil {
		return err
	}
	if err := s.setIntFromString("batch", env("BATCH_SIZE"), &cfg.BatchSize); err != nil {
		return err
	}
	if err := s.setIntFromString("slab", env("SLAB_SIZE"), &cfg.SlabSize); err != nil {
		return err
	}
	if v := env("SUBMIT_RETRIES"); v != "" && !changed["retries"] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse retries: %w", err)
		}
		cfg.SubmitRetries = n
	}

	if err := s.setDuration("poll", env("POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("backoff", env("SUBMIT_BACKOFF"), &cfg.SubmitBackoff); err != nil {
		return err
	}
	if err := s.setFloatFromString("rate", env("RATE"), &cfg.Rate); err != nil {
		return err
	}
	s.setBoolFromString("buffered", env("BUFFERED"), &cfg.Buffered)
	s.setBoolFromString("verbose", env("VERBOSE"), &cfg.Verbose)
	return nil
}

// setter applies a value only when its flag wasn't set explicitly.
type setter struct {
	changed map[string]bool
}

func (s setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] { return }
	*dst = value
}

func (s setter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] { return }
	*dst = value
}

func (s setter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] { return }
	*dst = value
}

func (s setter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] { return }
	*dst = *value
}

func (s setter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] { return nil }
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s setter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] { return nil }
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 { return nil }
	*dst = i
	return nil
}

func (s setter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] { return nil }
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 { return nil }
	*dst = f
	return nil
}

func (s setter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] { return }
	*dst = value == "true" || value == "1"
}
