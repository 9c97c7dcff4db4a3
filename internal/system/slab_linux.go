//go:build linux

// Platform specific helpers for the collaborators around the AIO engine: aligned
// buffer slabs and block device identification.
package system

import (
	"log/slog"

	c "kdev/internal"

	"golang.org/x/sys/unix"
)

const MMAP_MODE   	= unix.MAP_ANON  | unix.MAP_PRIVATE
const MMAP_PROT   	= unix.PROT_READ | unix.PROT_WRITE

// For O_DIRECT buffers. The mapping is aligned to the system page size (check using:
// `getconf PAGESIZE`, basically always 0x1000), which covers any logical block size we
// will see. size is rounded up to a whole number of pages.
//
// The slab is outside the Go heap so it never moves and the kernel can hold on to it
// for as long as a request is in flight.
func AllocSlab(size int) ([]byte, error) {
	if size <= 0 { return nil, unix.EINVAL }
	pages := (uint64(size) + c.ALIGN - 1) / c.ALIGN
	raw, err := unix.Mmap(-1, 0, int(pages * c.ALIGN), MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
		return nil, err
	}
	return raw[:size], nil
}

func DeallocSlab(slab []byte) error {
	err := unix.Munmap(slab[:cap(slab)])
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}
