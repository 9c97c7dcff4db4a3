//go:build linux

package iomgr

import (
	"log/slog"
	"sync"
	"unsafe"

	"kdev/internal/util"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const F_OPEN_MODE 	= unix.O_RDWR | unix.O_CLOEXEC

// Device is an exclusively locked block device plus the kernel AIO context all of its
// IOContexts funnel through. Geometry is probed once in Open and never changes.
type Device struct {
	log			*slog.Logger
	cfg			Config

	path		string
	disk		string
	fd			int
	lock		*flock.Flock
	blockSize	uint64
	size		uint64

	backend		Backend

	mu			sync.Mutex // guards registry and closed
	registry	util.TicketQueue[*Op]
	closed		bool

	reapMu		sync.Mutex // one reaper at a time, guards the scratch below
	events		[]Event
	reaped		[]*Op
	mine		[]*Op

	ops			sync.Pool
}

// Open opens path for direct I/O, takes an exclusive lock on it, probes its geometry,
// resolves which disk it is and sets up the kernel AIO context. Anything acquired is
// released again if a later step fails.
func Open(path string, cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: InvalidArgument, Path: path, Err: err}
	}
	log := cfg.Logger.With("src", "Device")

	mode := F_OPEN_MODE
	if !cfg.Buffered { mode |= unix.O_DIRECT }
	fd, err := unix.Open(path, mode, 0)
	if err != nil {
		log.Error("Failed to open", "path", path, "err", err)
		return nil, &Error{Kind: OpenFailed, Path: path, Err: errors.Wrap(err, "open")}
	}

	d := &Device{
		log: 		log,
		cfg: 		cfg,
		path: 		path,
		fd: 		fd,
	}
	d.ops.New = func() any { return new(Op) }

	if err := d.acquire(); err != nil {
		log.Error("Failed to open device", "path", path, "err", err)
		if rerr := d.release(); rerr != nil {
			log.Warn("Failed to release after failed open", "path", path, "err", rerr)
		}
		return nil, err
	}

	d.registry = util.CreateTicketQueue[*Op](cfg.MaxQueueDepth)
	d.events = make([]Event, cfg.ReapBatch)
	d.reaped = make([]*Op, 0, cfg.ReapBatch)
	d.mine = make([]*Op, 0, cfg.ReapBatch)

	log.Info("Device Name", "path", path, "disk", d.disk,
		"block_size", d.blockSize, "size", util.HumanBytes(d.size),
		"backend", cfg.Backend, "depth", cfg.MaxQueueDepth)
	return d, nil
}

func (d *Device) acquire() error {
	lock := flock.New(d.path)
	locked, err := lock.TryLock()
	if err != nil {
		return &Error{Kind: LockHeld, Path: d.path, Err: errors.Wrap(err, "lock")}
	}
	if !locked {
		return &Error{Kind: LockHeld, Path: d.path, Err: errors.New("locked by another instance")}
	}
	d.lock = lock

	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return &Error{Kind: ProbeFailed, Path: d.path, Err: errors.Wrap(err, "fstat")}
	}
	d.blockSize = uint64(st.Blksize)
	d.size = uint64(st.Size)
	// st_size is 0 for device nodes, ask the block layer instead
	if st.Mode & unix.S_IFMT == unix.S_IFBLK {
		size, err := blkGetSize64(d.fd)
		if err != nil {
			return &Error{Kind: ProbeFailed, Path: d.path, Err: errors.Wrap(err, "BLKGETSIZE64")}
		}
		d.size = size
	}

	disk, err := d.cfg.Resolver.Resolve(d.fd)
	if err != nil {
		return &Error{Kind: DeviceResolutionFailed, Path: d.path, Err: err}
	}
	d.disk = disk

	backend, err := d.cfg.NewBackend(d.fd, d.cfg.MaxQueueDepth)
	if err != nil {
		return &Error{Kind: AIOContextInitFailed, Path: d.path,
			Err: errors.Wrapf(err, "%s setup with depth %d", d.cfg.Backend, d.cfg.MaxQueueDepth)}
	}
	d.backend = backend
	return nil
}

// release tears down whatever acquire got to, in reverse order.
func (d *Device) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil { first = err }
	}

	if d.backend != nil {
		keep(errors.Wrap(d.backend.Close(), "closing aio context"))
		d.backend = nil
	}
	if d.lock != nil {
		keep(errors.Wrap(d.lock.Unlock(), "unlock"))
		d.lock = nil
	}
	if d.fd >= 0 {
		keep(errors.Wrap(unix.Close(d.fd), "close"))
		d.fd = -1
	}
	return first
}

func blkGetSize64(fd int) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&size)))
	if errno != 0 { return 0, errno }
	return size, nil
}

// Close tears down the AIO context and gives up the device. Calling it again is a
// no-op. It refuses while ops are in flight, the kernel would still be writing into
// their buffers. A Reap blocked in the kernel is waited out, at most PollInterval.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if held := d.registry.Held(); held > 0 {
		d.mu.Unlock()
		return &Error{Kind: DeviceBusy, Path: d.path, Err: errors.Errorf("%d ops in flight", held)}
	}
	d.closed = true
	d.mu.Unlock()

	// Reap holds reapMu across Wait, the backend must outlive it
	d.reapMu.Lock()
	defer d.reapMu.Unlock()

	err := d.release()
	if err != nil {
		d.log.Warn("Close", "path", d.path, "err", err)
	}
	d.log.Debug("Closed", "path", d.path)
	return err
}

func (d *Device) Path() string 			{ return d.path }
func (d *Device) Disk() string 			{ return d.disk }
func (d *Device) BlockSize() uint64 	{ return d.blockSize }
func (d *Device) Size() uint64 			{ return d.size }
func (d *Device) MaxQueueDepth() int 	{ return d.cfg.MaxQueueDepth }

// InFlight is the number of ops handed to the kernel across every IOContext and not
// reaped yet.
func (d *Device) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Held()
}

// EnqueueRead queues a read of len(buf) bytes at off on q. Nothing reaches the kernel
// until Submit. buf must not be touched until the read has been reaped.
func (d *Device) EnqueueRead(q *IOContext, off uint64, buf []byte) error {
	return d.enqueue(q, OpRead, off, buf)
}

// EnqueueWrite queues a write of buf at off on q. buf must stay unmodified until the
// write has been reaped.
func (d *Device) EnqueueWrite(q *IOContext, off uint64, buf []byte) error {
	return d.enqueue(q, OpWrite, off, buf)
}

func (d *Device) enqueue(q *IOContext, opcode OpCode, off uint64, buf []byte) error {
	if q == nil {
		return &Error{Kind: InvalidArgument, Path: d.path, Err: errors.New("nil IOContext")}
	}
	if len(buf) == 0 {
		return &Error{Kind: InvalidArgument, Path: d.path, Err: errors.Errorf("empty %s buffer", opcode)}
	}

	op := d.ops.Get().(*Op)
	*op = Op{
		Opcode: 	opcode,
		Off: 		off,
		Buf: 		buf,
		ioc: 		q,
	}
	if err := q.push(op); err != nil {
		d.recycle(op)
		return err
	}
	return nil
}

func (d *Device) recycle(op *Op) {
	*op = Op{}
	d.ops.Put(op)
}

// fatal hands fatal errors to the OnFatal policy before they go back to the caller.
func (d *Device) fatal(err error) error {
	if IsFatal(err) {
		d.cfg.OnFatal(err)
	}
	return err
}
