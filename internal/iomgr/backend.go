//go:build linux

package iomgr

import "time"

// Backend is the kernel asynchronous I/O facility a Device drives.
//
// Submit and Wait may be called concurrently with each other. Wait is never called
// concurrently with itself.
type Backend interface {
	// Submit hands ops to the kernel in order and returns how many, counted from the
	// front, were accepted. unix.EAGAIN means the kernel is out of resources for now
	// and nothing was accepted.
	Submit(ops []*Op) (int, error)

	// Wait fills events with up to len(events) completions. It blocks for at most
	// timeout when none are ready, returning 0 and no error if none showed up.
	// unix.EINTR means the wait was interrupted and may be retried.
	Wait(events []Event, timeout time.Duration) (int, error)

	Close() error
}

// Event is one completion: the token of the op it belongs to and the kernel's result.
type Event struct {
	Token	uint64
	Res		int64
}
