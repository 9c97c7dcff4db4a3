package iomgr

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type ErrorKind int

const (
	// recoverable, handed back to the caller
	OpenFailed ErrorKind = iota + 1
	LockHeld
	ProbeFailed
	DeviceResolutionFailed
	AIOContextInitFailed
	InvalidArgument
	QueueClosed
	QueueBusy
	DeviceBusy
	DeviceClosed

	// fatal, routed through Config.OnFatal. Everything from here down.
	SubmitFailed
	SubmitRetriesExhausted
	DepthExceeded
	ReapFailed
	UnknownCompletion
)

var kindNames = map[ErrorKind]string{
	OpenFailed:             "open failed",
	LockHeld:               "lock held",
	ProbeFailed:            "probe failed",
	DeviceResolutionFailed: "device resolution failed",
	AIOContextInitFailed:   "aio context init failed",
	InvalidArgument:        "invalid argument",
	QueueClosed:            "queue closed",
	QueueBusy:              "queue busy",
	DeviceBusy:             "device busy",
	DeviceClosed:           "device closed",
	SubmitFailed:           "submit failed",
	SubmitRetriesExhausted: "submit retries exhausted",
	DepthExceeded:          "queue depth exceeded",
	ReapFailed:             "reap failed",
	UnknownCompletion:      "unknown completion",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ErrorKind is itself an error so callers can errors.Is(err, iomgr.LockHeld).
func (k ErrorKind) Error() string { return k.String() }

func (k ErrorKind) IsFatal() bool { return k >= SubmitFailed }

type Error struct {
	Kind	ErrorKind
	Path	string
	Err		error
}

func (e *Error) Error() string {
	s := "iomgr: " + e.Kind.String()
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// Errno is the negative errno equivalent of e, for callers that report failures the
// C way.
func (e *Error) Errno() int {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return -int(errno)
	}
	switch e.Kind {
	case LockHeld:
		return -int(unix.EAGAIN)
	case DeviceResolutionFailed, InvalidArgument:
		return -int(unix.EINVAL)
	case QueueBusy, DeviceBusy:
		return -int(unix.EBUSY)
	case DeviceClosed, QueueClosed:
		return -int(unix.EBADF)
	}
	return -int(unix.EIO)
}

// IsFatal reports whether err carries a fatal ErrorKind.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind.IsFatal()
}
