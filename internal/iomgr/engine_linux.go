//go:build linux

package iomgr

import (
	"time"

	"kdev/internal/util"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Submit moves everything pending on q to in flight and hands it to the kernel,
// batching as many ops per syscall as the kernel takes. It returns once every op that
// was pending has been accepted. A no-op when nothing is pending.
//
// EAGAIN from the kernel is retried with exponential backoff. Running out of retries,
// any other kernel error, or pushing more ops in flight than MaxQueueDepth is fatal.
func (d *Device) Submit(q *IOContext) error {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	batch, err := q.takePending(d.reserve)
	if err != nil { return d.fatal(err) }
	if len(batch) == 0 { return nil }
	defer clear(batch)

	return d.submitBatch(batch)
}

// reserve hands out one registry ticket per pending op. The ticket is the token the
// kernel gives back on completion. Lock order is IOContext then Device.
func (d *Device) reserve(pending *util.List[*Op], n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return &Error{Kind: DeviceClosed, Path: d.path}
	}
	if free := d.registry.Free(); n > free {
		return &Error{Kind: DepthExceeded, Path: d.path,
			Err: errors.Errorf("%d to submit, %d of %d slots free", n, free, d.cfg.MaxQueueDepth)}
	}
	for op := pending.Front(); op != nil; op = op.Next() {
		op.token, _ = d.registry.TryAcq(op)
	}
	return nil
}

func (d *Device) newBackoff() backoff.BackOff {
	if d.cfg.SubmitRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: 		d.cfg.SubmitBackoff,
		RandomizationFactor: 	0,
		Multiplier: 			2,
		MaxInterval: 			time.Minute,
		MaxElapsedTime: 		0,
		Clock: 					backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(d.cfg.SubmitRetries))
}

func (d *Device) submitBatch(batch []*Op) error {
	done := 0
	for done < len(batch) {
		accepted, attempts := 0, 0
		submit := func() error {
			attempts++
			n, err := d.backend.Submit(batch[done:])
			if err == nil {
				accepted = n
				return nil
			}
			if errors.Is(err, unix.EAGAIN) { return err }
			return backoff.Permanent(err)
		}
		notify := func(err error, wait time.Duration) {
			d.log.Debug("io_submit backpressure", "err", err, "wait", wait,
				"attempt", attempts, "left", len(batch) - done)
		}

		// the retry budget is per stall, a partial acceptance is progress
		if err := backoff.RetryNotify(submit, d.newBackoff(), notify); err != nil {
			kind := SubmitFailed
			if errors.Is(err, unix.EAGAIN) { kind = SubmitRetriesExhausted }
			return d.fatal(&Error{Kind: kind, Path: d.path,
				Err: errors.Wrapf(err, "io_submit of %d ops after %d attempts", len(batch) - done, attempts)})
		}
		if accepted <= 0 || accepted > len(batch) - done {
			return d.fatal(&Error{Kind: SubmitFailed, Path: d.path,
				Err: errors.Errorf("io_submit accepted %d of %d ops", accepted, len(batch) - done)})
		}
		done += accepted
	}
	return nil
}

// Reap collects up to ReapBatch completions, waiting at most PollInterval if none are
// ready, and retires each op from its IOContext. Returns how many ops were retired.
// Ops that failed or came up short are recorded on their IOContext (see Err), a
// failure of the polling itself is fatal.
func (d *Device) Reap() (int, error) {
	d.reapMu.Lock()
	defer d.reapMu.Unlock()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed { return 0, &Error{Kind: DeviceClosed, Path: d.path} }

	var n int
	var err error
	for {
		n, err = d.backend.Wait(d.events, d.cfg.PollInterval)
		if !errors.Is(err, unix.EINTR) { break }
	}
	if err != nil {
		return 0, d.fatal(&Error{Kind: ReapFailed, Path: d.path, Err: errors.Wrap(err, "io_getevents")})
	}
	if n == 0 { return 0, nil }

	// resolve the whole batch, a foreign token must not strand the ops around it
	ops := d.reaped[:0]
	unknown, firstUnknown := 0, uint64(0)
	d.mu.Lock()
	for _, ev := range d.events[:n] {
		op, ok := d.registry.Rel(ev.Token)
		if !ok {
			if unknown == 0 { firstUnknown = ev.Token }
			unknown++
			continue
		}
		op.Res = ev.Res
		ops = append(ops, op)
	}
	d.mu.Unlock()
	reaped := len(ops)

	for _, op := range ops {
		d.log.Debug("aio finished", "op", op.Opcode, "off", op.Off, "len", len(op.Buf), "res", op.Res)
	}

	// one lock per IOContext per call
	for i := range ops {
		if ops[i] == nil { continue }
		q := ops[i].ioc
		mine := d.mine[:0]
		for j := i; j < len(ops); j++ {
			if ops[j] != nil && ops[j].ioc == q {
				mine = append(mine, ops[j])
				ops[j] = nil
			}
		}
		q.complete(mine)
		for _, op := range mine {
			d.recycle(op)
		}
		clear(mine)
		d.mine = mine
	}
	d.reaped = ops

	if unknown > 0 {
		return reaped, d.fatal(&Error{Kind: UnknownCompletion, Path: d.path,
			Err: errors.Errorf("no op for token 0x%016x (%d of %d events)", firstUnknown, unknown, n)})
	}
	return reaped, nil
}

// Drain submits whatever is pending on q and reaps until nothing of q's is in flight.
// Completions for other IOContexts seen on the way are retired as usual.
func (d *Device) Drain(q *IOContext) error {
	if err := d.Submit(q); err != nil { return err }
	for q.InFlightCount() > 0 {
		if _, err := d.Reap(); err != nil { return err }
	}
	return nil
}
