//go:build linux

package iomgr

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fakeBackend stands in for the kernel. It "executes" ops against an in-memory disk
// the moment they are accepted and queues their completions for Wait.
type fakeBackend struct {
	mu			sync.Mutex
	disk		[]byte
	done		[]Event
	notify		chan struct{}
	paused		bool // Wait reports nothing while set

	maxAccept	int // per Submit call, 0 accepts everything
	submitErr	func(call int) error
	waitErrs	[]error

	submitCalls	int
	accepted	int
	tokens		[]uint64
	closed		bool
}

func newFakeBackend(size int) *fakeBackend {
	return &fakeBackend{
		disk: 	make([]byte, size),
		notify: make(chan struct{}, 1),
	}
}

func (f *fakeBackend) Submit(ops []*Op) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitCalls++
	if f.submitErr != nil {
		if err := f.submitErr(f.submitCalls); err != nil { return 0, err }
	}

	n := len(ops)
	if f.maxAccept > 0 && n > f.maxAccept { n = f.maxAccept }
	for _, op := range ops[:n] {
		res := int64(len(op.Buf))
		end := op.Off + uint64(len(op.Buf))
		if end > uint64(len(f.disk)) {
			res = -int64(unix.EINVAL)
		} else if op.Opcode == OpWrite {
			copy(f.disk[op.Off:end], op.Buf)
		} else {
			copy(op.Buf, f.disk[op.Off:end])
		}
		f.done = append(f.done, Event{Token: op.Token(), Res: res})
		f.tokens = append(f.tokens, op.Token())
	}
	f.accepted += n
	f.wake()
	return n, nil
}

func (f *fakeBackend) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeBackend) Wait(events []Event, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.closed {
			// what io_getevents says about a destroyed context
			f.mu.Unlock()
			return 0, unix.EINVAL
		}
		if len(f.waitErrs) > 0 {
			err := f.waitErrs[0]
			f.waitErrs = f.waitErrs[1:]
			f.mu.Unlock()
			return 0, err
		}
		if !f.paused && len(f.done) > 0 {
			n := copy(events, f.done)
			f.done = f.done[n:]
			f.mu.Unlock()
			return n, nil
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeBackend) resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	f.wake()
}

// inject queues a completion the device never submitted
func (f *fakeBackend) inject(ev Event) {
	f.mu.Lock()
	f.done = append(f.done, ev)
	f.mu.Unlock()
	f.wake()
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}
