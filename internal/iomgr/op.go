//go:build linux

package iomgr

import (
	"fmt"
	"strings"
	"unsafe"

	"kdev/internal/util"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type OpCode uint16
const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
)

func (o OpCode) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	}
	return "nop"
}

// Op describes one read or write. Ops are created by Device.Enqueue*, owned by their
// IOContext while pending and in flight, and recycled by the Device once reaped.
//
// WARN: Buf is caller memory. It must stay valid, and for writes unmodified, until
// the op has been reaped.
type Op struct {
	util.Entry[*Op]

	// the kernel keeps a pointer to this until the completion comes back, so an Op
	// must never be copied while in flight
	kcb		iocb

	Opcode	OpCode
	Off		uint64
	Buf		[]byte
	Res		int64	// bytes transferred or -errno, set when reaped

	ioc		*IOContext
	token	uint64	// registry ticket, what the kernel hands back to us
}

// Token is the value a Backend must report in the Event for this op.
func (o *Op) Token() uint64 { return o.token }

func (o *Op) bufPtr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(o.Buf)))
}

// err converts the completion result into an error, nil for a full transfer.
func (o *Op) err() error {
	if o.Res < 0 {
		return errors.Wrapf(unix.Errno(-o.Res), "%s", o)
	}
	if o.Res != int64(len(o.Buf)) {
		return errors.Errorf("short %s: %d of %d bytes", o, o.Res, len(o.Buf))
	}
	return nil
}

func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@0x%x+0x%x", o.Opcode, o.Off, len(o.Buf))
}

// Dump is a multi-line debug view of an op, including where its buffer lives.
func (o *Op) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Op | Opcode: %v, Token: 0x%016x, Res: %d | Ioc: @%p\n",
		o.Opcode, o.token, o.Res, o.ioc)
	fmt.Fprintf(&b, "   > %-5s [ Buf: @0x%x | Len: 0x%08x | Off: 0x%08x]\n",
		strings.ToUpper(o.Opcode.String()), o.bufPtr(), len(o.Buf), o.Off)
	return b.String()
}
