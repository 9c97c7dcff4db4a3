//go:build linux

package config

import (
	"log/slog"
	"testing"
	"time"

	"kdev/internal/iomgr"

	"github.com/stretchr/testify/assert"
)

func Test_IOConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "io_uring"
	cfg.QueueDepth = 64
	cfg.SubmitRetries = 3
	cfg.PollInterval = time.Second
	cfg.Buffered = true

	io := cfg.IOConfig(slog.Default())
	assert.Equal(t, iomgr.BackendUring, io.Backend)
	assert.Equal(t, 64, io.MaxQueueDepth)
	assert.Equal(t, 3, io.SubmitRetries)
	assert.Equal(t, time.Second, io.PollInterval)
	assert.True(t, io.Buffered)
	assert.NotNil(t, io.Resolver)
	assert.NoError(t, io.Validate())

	cfg.SubmitRetries = 0
	io = cfg.IOConfig(slog.Default())
	assert.Equal(t, iomgr.NoRetries, io.SubmitRetries, "--retries 0 means give up at once")
	assert.NoError(t, io.Validate())
	assert.Equal(t, iomgr.NoRetries, io.SubmitRetries)

	cfg.BatchSize = 8
	opts := cfg.ReplayOptions(nil)
	assert.Equal(t, 8, opts.BatchSize)
	assert.Equal(t, 1 << 20, opts.SlabSize)
}
