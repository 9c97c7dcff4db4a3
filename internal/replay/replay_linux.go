//go:build linux

package replay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	c "kdev/internal"
	"kdev/internal/iomgr"
	"kdev/internal/system"
	"kdev/internal/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const DEFAULT_SLAB = 1 << 20

type Options struct {
	BatchSize	int		// ops per Submit, 0 means the device's queue depth
	SlabSize	int		// largest op, 0 means DEFAULT_SLAB
	Rate		float64	// ops per second, 0 means unthrottled
	Logger		*slog.Logger
}

type Stats struct {
	Reads		uint64
	Writes		uint64
	Bytes		uint64
	Completed	uint64
	Elapsed		time.Duration
}

func (s Stats) IOPS() float64 {
	if s.Elapsed <= 0 { return 0 }
	return float64(s.Completed) / s.Elapsed.Seconds()
}

// Run replays src against dev on one IOContext. A producer goroutine enqueues and
// submits every BatchSize ops while a reaper goroutine collects completions, and the
// number of ops pending or in flight never exceeds the device's queue depth.
// Everything is drained before Run returns, also on error.
//
// Run assumes it is the only user of dev while it runs.
func Run(ctx context.Context, dev *iomgr.Device, src *Source, opts Options) (Stats, error) {
	log := opts.Logger
	if log == nil { log = slog.Default() }
	log = log.With("src", "Replay")

	depth := dev.MaxQueueDepth()
	batch := opts.BatchSize
	if batch <= 0 || batch > depth { batch = depth }
	slabSize := opts.SlabSize
	if slabSize <= 0 { slabSize = DEFAULT_SLAB }
	limit := rate.Inf
	if opts.Rate > 0 { limit = rate.Limit(opts.Rate) }

	wslab, err := system.AllocSlab(slabSize)
	if err != nil { return Stats{}, errors.Wrap(err, "write slab") }
	rslab, err := system.AllocSlab(slabSize)
	if err != nil {
		system.DeallocSlab(wslab)
		return Stats{}, errors.Wrap(err, "read slab")
	}
	for i := range wslab {
		wslab[i] = 'b'
	}

	var st Stats
	var completed atomic.Uint64
	q := iomgr.NewIOContext()
	sem := semaphore.NewWeighted(int64(depth))
	limiter := rate.NewLimiter(limit, batch)
	fed := make(chan struct{})
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(fed)
		warned := false
		queued := 0
		for src.Next() {
			e := src.Entry()
			if e.Len > uint64(slabSize) {
				return errors.Errorf("iolog line %d: %s of %d bytes exceeds the %d byte slab",
					src.Line(), e.Op, e.Len, slabSize)
			}
			if !warned && !(c.IsAligned(e.Off) && c.IsAligned(e.Len)) {
				log.Warn("Unaligned op, direct I/O will reject it", "line", src.Line(),
					"off", e.Off, "len", e.Len)
				warned = true
			}

			if err := limiter.Wait(gctx); err != nil { return err }
			if err := sem.Acquire(gctx, 1); err != nil { return err }

			var err error
			if e.Op == Write {
				err = dev.EnqueueWrite(q, e.Off, wslab[:e.Len])
				st.Writes++
			} else {
				err = dev.EnqueueRead(q, e.Off, rslab[:e.Len])
				st.Reads++
			}
			if err != nil {
				sem.Release(1)
				return err
			}
			st.Bytes += e.Len

			if queued++; queued == batch {
				if err := dev.Submit(q); err != nil { return err }
				queued = 0
			}
		}
		if err := src.Err(); err != nil { return err }
		return dev.Submit(q)
	})

	g.Go(func() error {
		for {
			select {
			case <-fed:
				if q.InFlightCount() == 0 { return nil }
			default:
			}
			n, err := dev.Reap()
			if err != nil { return err }
			if n > 0 {
				sem.Release(int64(n))
				completed.Add(uint64(n))
			}
		}
	})

	runErr := g.Wait()

	// whatever the goroutines left behind must be off the slabs before they go
	pending, inflight := q.Counts()
	if pending + inflight > 0 {
		if err := dev.Drain(q); err != nil {
			log.Error("Drain after replay failed, leaking slabs", "err", err,
				"pending", pending, "inflight", inflight)
			return st, errors.Wrap(err, "drain")
		}
		completed.Add(uint64(pending + inflight))
	}
	system.DeallocSlab(wslab)
	system.DeallocSlab(rslab)

	st.Completed = completed.Load()
	st.Elapsed = time.Since(start)

	if runErr != nil { return st, runErr }
	if err := q.Err(); err != nil { return st, errors.Wrap(err, "replayed op failed") }

	log.Info("Replay done", "reads", st.Reads, "writes", st.Writes,
		"bytes", util.HumanBytes(st.Bytes), "elapsed", st.Elapsed,
		"iops", int(st.IOPS()))
	return st, nil
}
