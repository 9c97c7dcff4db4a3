//go:build linux

package iomgr

import (
	"sync"
	"syscall"
	"time"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// io_uring flavour of the kernel facility. Submissions are "accepted" once they sit in
// the shared SQ ring. If the io_uring_enter that flushes them hits backpressure they
// stay in the ring and go out with the next Submit or Wait.
//
// PERF: fixed buffers and registered files would help here, but buffers are caller
// memory we only borrow.

// Wait blocks in slices of this long so Submit never waits on the ring lock for more
// than about this.
const URING_WAIT_SLICE = time.Millisecond

type uringBackend struct {
	fd		int

	mu		sync.Mutex // the ring is not safe for concurrent use
	ring	*giouring.Ring
	sigset	unix.Sigset_t
}

func newUringBackend(fd int, depth int) (Backend, error) {
	ring, err := giouring.CreateRing(uint32(depth))
	if err != nil { return nil, err }

	return &uringBackend{
		fd: 	fd,
		ring: 	ring,
	}, nil
}

func (b *uringBackend) Submit(ops []*Op) (int, error) {
	if len(ops) == 0 { return 0, nil }

	b.mu.Lock()
	defer b.mu.Unlock()

	prepped := 0
	for _, op := range ops {
		sqe := b.ring.GetSQE()
		if sqe == nil { break } // SQ full, whatever is left is not accepted
		switch op.Opcode {
		case OpRead:
			sqe.PrepareRead(b.fd, op.bufPtr(), uint32(len(op.Buf)), op.Off)
		case OpWrite:
			sqe.PrepareWrite(b.fd, op.bufPtr(), uint32(len(op.Buf)), op.Off)
		}
		sqe.UserData = op.token
		prepped++
	}

	_, err := b.ring.Submit()
	if err != nil && err != unix.EAGAIN && err != unix.EBUSY && err != unix.EINTR {
		return 0, err
	}
	if prepped == 0 { return 0, unix.EAGAIN }
	return prepped, nil
}

func (b *uringBackend) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 { return 0, nil }

	deadline := time.Now().Add(timeout)
	for {
		n, err := b.waitSlice(events, min(URING_WAIT_SLICE, time.Until(deadline)))
		if err != nil || n > 0 { return n, err }
		if !time.Now().Before(deadline) { return 0, nil }
	}
}

// "Those who sow the good seed
// Shall surely reap"
func (b *uringBackend) waitSlice(events []Event, slice time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slice > 0 {
		stime := syscall.NsecToTimespec(int64(slice))
		// also flushes anything Submit left in the SQ
		_, err := b.ring.SubmitAndWaitTimeout(1, &stime, &b.sigset)
		if err != nil && err != unix.ETIME && err != unix.EINTR && err != unix.EAGAIN && err != unix.EBUSY {
			return 0, err
		}
	}

	n := 0
	for n < len(events) {
		cqe, err := b.ring.PeekCQE()
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
			break
		} else if err != nil {
			return n, err
		}
		if cqe == nil { break }

		events[n] = Event{Token: cqe.UserData, Res: int64(cqe.Res)}
		b.ring.CQESeen(cqe)
		n++
	}
	return n, nil
}

func (b *uringBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil { return nil }
	b.ring.QueueExit()
	b.ring = nil
	return nil
}
