//go:build linux

package iomgr

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux native AIO, see io_setup(2), io_submit(2), io_getevents(2).

const (
	IOCB_CMD_PREAD  = 0
	IOCB_CMD_PWRITE = 1
)

// struct iocb from linux/aio_abi.h. key and rw_flags swap places on big endian
// machines, we never set either so the layout works for both.
type iocb struct {
	data		uint64 // handed back untouched in ioEvent.data
	key			uint32
	rwFlags		uint32
	opcode		uint16
	reqprio		int16
	fildes		uint32
	buf			uint64
	nbytes		uint64
	offset		int64
	reserved2	uint64
	flags		uint32
	resfd		uint32
}

// struct io_event
type ioEvent struct {
	data	uint64
	obj		uint64
	res		int64
	res2	int64
}

type aioBackend struct {
	fd		int
	ctx		uintptr // aio_context_t

	mu		sync.Mutex // guards iocbs
	iocbs	[]*iocb

	kevs	[]ioEvent // only touched by Wait
}

func newAioBackend(fd int, depth int) (Backend, error) {
	var ctx uintptr
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(depth), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 { return nil, errno }

	return &aioBackend{
		fd: 	fd,
		ctx: 	ctx,
		iocbs: 	make([]*iocb, 0, depth),
	}, nil
}

func (b *aioBackend) prep(op *Op) *iocb {
	cb := &op.kcb
	*cb = iocb{
		data: 	op.token,
		fildes: uint32(b.fd),
		buf: 	uint64(op.bufPtr()),
		nbytes: uint64(len(op.Buf)),
		offset: int64(op.Off),
	}
	switch op.Opcode {
	case OpRead:
		cb.opcode = IOCB_CMD_PREAD
	case OpWrite:
		cb.opcode = IOCB_CMD_PWRITE
	}
	return cb
}

func (b *aioBackend) Submit(ops []*Op) (int, error) {
	if len(ops) == 0 { return 0, nil }

	b.mu.Lock()
	defer b.mu.Unlock()

	iocbs := b.iocbs[:0]
	for _, op := range ops {
		iocbs = append(iocbs, b.prep(op))
	}
	b.iocbs = iocbs

	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, b.ctx, uintptr(len(iocbs)),
		uintptr(unsafe.Pointer(&iocbs[0])))
	clear(iocbs)
	if errno != 0 { return 0, errno }
	return int(n), nil
}

func (b *aioBackend) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 { return 0, nil }
	if cap(b.kevs) < len(events) {
		b.kevs = make([]ioEvent, len(events))
	}
	kevs := b.kevs[:len(events)]

	ts := unix.NsecToTimespec(int64(timeout))
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, b.ctx, 1, uintptr(len(kevs)),
		uintptr(unsafe.Pointer(&kevs[0])), uintptr(unsafe.Pointer(&ts)), 0)
	if errno != 0 { return 0, errno }

	for i := range int(n) {
		events[i] = Event{Token: kevs[i].data, Res: kevs[i].res}
	}
	return int(n), nil
}

func (b *aioBackend) Close() error {
	if b.ctx == 0 { return nil }
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, b.ctx, 0, 0)
	b.ctx = 0
	if errno != 0 { return errno }
	return nil
}
