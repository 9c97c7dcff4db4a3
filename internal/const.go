// Constants
package internal

// Direct I/O wants buffers, offsets and lengths aligned to the logical block size. The
// OS page is always a multiple of that, so page alignment is what we hand out.
const OS_PAGE 			= 0x1000
const ALIGN				= uint64(OS_PAGE)

// Defaults amortize the io_submit syscall across many requests while keeping reap
// latency bounded.
const AIO_MAX_QUEUE_DEPTH	= 1024
const AIO_REAP_MAX			= 16
const AIO_POLL_MS			= 250

// io_submit EAGAIN handling: first sleep, doubled per attempt.
const AIO_SUBMIT_BACKOFF_US	= 125
const AIO_SUBMIT_RETRIES	= 16

func IsAligned(v uint64) bool {
	return v & (ALIGN - 1) == 0
}
