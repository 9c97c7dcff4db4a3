//go:build linux

package replay_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kdev/internal/iomgr"
	"kdev/internal/replay"
	"kdev/internal/system"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const DISK_SIZE = 1 << 20

// memBackend completes every op the moment it is submitted.
type memBackend struct {
	mu			sync.Mutex
	disk		[]byte
	done		chan iomgr.Event
	inflight	int
	maxInflight	int
}

func (m *memBackend) Submit(ops []*iomgr.Op) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		end := op.Off + uint64(len(op.Buf))
		if op.Opcode == iomgr.OpWrite {
			copy(m.disk[op.Off:end], op.Buf)
		} else {
			copy(op.Buf, m.disk[op.Off:end])
		}
		m.inflight++
		m.maxInflight = max(m.maxInflight, m.inflight)
		m.done <- iomgr.Event{Token: op.Token(), Res: int64(len(op.Buf))}
	}
	return len(ops), nil
}

func (m *memBackend) Wait(events []iomgr.Event, timeout time.Duration) (int, error) {
	n := 0
	select {
	case ev := <-m.done:
		events[n] = ev
		n++
	case <-time.After(timeout):
		return 0, nil
	}
	for n < len(events) {
		select {
		case ev := <-m.done:
			events[n] = ev
			n++
			continue
		default:
		}
		break
	}
	m.mu.Lock()
	m.inflight -= n
	m.mu.Unlock()
	return n, nil
}

func (m *memBackend) Close() error { return nil }

func openMem(t *testing.T, depth int) (*iomgr.Device, *memBackend) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.img")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	mb := &memBackend{disk: make([]byte, DISK_SIZE), done: make(chan iomgr.Event, depth)}
	cfg := iomgr.DefaultConfig()
	cfg.MaxQueueDepth = depth
	cfg.ReapBatch = min(cfg.ReapBatch, depth)
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Buffered = true
	cfg.Resolver = system.ResolverFunc(func(int) (string, error) { return "/dev/mem0", nil })
	cfg.NewBackend = func(int, int) (iomgr.Backend, error) { return mb, nil }

	dev, err := iomgr.Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dev.Close()) })
	return dev, mb
}

type genLog struct {
	text	string
	reads	uint64
	writes	uint64
	bytes	uint64
	written	[][2]uint64
}

// genIolog writes a v2 iolog with n random page aligned ops inside DISK_SIZE.
func genIolog(faker *gofakeit.Faker, n int) genLog {
	var g genLog
	var b strings.Builder
	b.WriteString("fio version 2 iolog\n/dev/mem0 add\n/dev/mem0 open\n")
	for range n {
		pages := faker.IntRange(1, 4)
		off := uint64(faker.IntRange(0, DISK_SIZE / 4096 - pages)) * 4096
		length := uint64(pages) * 4096
		op := "read"
		if faker.Bool() {
			op = "write"
			g.writes++
			g.written = append(g.written, [2]uint64{off, length})
		} else {
			g.reads++
		}
		g.bytes += length
		fmt.Fprintf(&b, "/dev/mem0 %s %d %d\n", op, off, length)
	}
	b.WriteString("/dev/mem0 close\n")
	g.text = b.String()
	return g
}

func Test_ParseLine(t *testing.T) {
	cases := []struct {
		line	string
		ok		bool
		bad		bool
		want	replay.Entry
	}{
		{line: "fio version 2 iolog"},
		{line: ""},
		{line: "/dev/sdb add"},
		{line: "/dev/sdb open"},
		{line: "/dev/sdb trim 0 4096"},
		{line: "/dev/sdb read 4096 8192", ok: true,
			want: replay.Entry{File: "/dev/sdb", Op: replay.Read, Off: 4096, Len: 8192}},
		{line: "  /dev/sdb   write 0 512 ", ok: true,
			want: replay.Entry{File: "/dev/sdb", Op: replay.Write, Off: 0, Len: 512}},
		{line: "1234 /dev/sdb write 8192 4096", ok: true,
			want: replay.Entry{File: "/dev/sdb", Op: replay.Write, Off: 8192, Len: 4096}},
		{line: "/dev/sdb read -1 4096", bad: true},
		{line: "/dev/sdb read 0 lots", bad: true},
		{line: "/dev/sdb write 0 0", bad: true},
	}

	for _, tc := range cases {
		e, ok, err := replay.ParseLine(tc.line)
		if tc.bad {
			assert.Error(t, err, tc.line)
			continue
		}
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.want, e, tc.line)
	}
}

func Test_Source(t *testing.T) {
	src := replay.NewSource(strings.NewReader(
		"fio version 2 iolog\n/dev/x add\n/dev/x read 0 4096\n/dev/x write 4096 4096\n/dev/x close\n"))
	var got []replay.Entry
	for src.Next() {
		got = append(got, src.Entry())
	}
	require.NoError(t, src.Err())
	require.Len(t, got, 2)
	assert.Equal(t, replay.Read, got[0].Op)
	assert.Equal(t, replay.Write, got[1].Op)

	src = replay.NewSource(strings.NewReader("/dev/x read 0 4096\n/dev/x write zero 4096\n"))
	assert.True(t, src.Next())
	assert.False(t, src.Next())
	assert.ErrorContains(t, src.Err(), "iolog line 2")
	assert.False(t, src.Next(), "stays done after an error")
}

func Test_Run(t *testing.T) {
	seed := [32]byte{7}
	faker := gofakeit.NewFaker(rand.NewChaCha8(seed), true)
	const N = 3000
	g := genIolog(faker, N)

	dev, mb := openMem(t, 64)
	st, err := replay.Run(context.Background(), dev, replay.NewSource(strings.NewReader(g.text)),
		replay.Options{BatchSize: 16, SlabSize: 4 * 4096})
	require.NoError(t, err)

	assert.Equal(t, g.reads, st.Reads)
	assert.Equal(t, g.writes, st.Writes)
	assert.Equal(t, g.bytes, st.Bytes)
	assert.Equal(t, uint64(N), st.Completed)
	assert.Positive(t, st.Elapsed)
	assert.Zero(t, dev.InFlight())
	assert.LessOrEqual(t, mb.maxInflight, 64)

	for _, w := range g.written {
		off, length := w[0], w[1]
		require.True(t, bytes.Equal(bytes.Repeat([]byte{'b'}, int(length)), mb.disk[off:off + length]),
			"write at %d+%d not on disk", off, length)
	}
}

func Test_Run_Tail_Batch(t *testing.T) {
	dev, _ := openMem(t, 16)
	log := "/d read 0 4096\n/d read 4096 4096\n/d write 8192 4096\n"
	st, err := replay.Run(context.Background(), dev, replay.NewSource(strings.NewReader(log)),
		replay.Options{BatchSize: 100, SlabSize: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Completed, "short log never fills a batch and still completes")
}

func Test_Run_Rejects_Oversized(t *testing.T) {
	dev, _ := openMem(t, 16)
	log := "/d write 0 4096\n/d read 0 8192\n"
	st, err := replay.Run(context.Background(), dev, replay.NewSource(strings.NewReader(log)),
		replay.Options{SlabSize: 4096})
	require.ErrorContains(t, err, "exceeds")
	assert.Equal(t, uint64(1), st.Completed, "the op before the bad line is drained")
	assert.Zero(t, dev.InFlight())
}

func Test_Run_Canceled(t *testing.T) {
	seed := [32]byte{9}
	faker := gofakeit.NewFaker(rand.NewChaCha8(seed), true)
	g := genIolog(faker, 500)

	dev, _ := openMem(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := replay.Run(ctx, dev, replay.NewSource(strings.NewReader(g.text)), replay.Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dev.InFlight())
}

func Test_Run_Rate_Limited(t *testing.T) {
	dev, _ := openMem(t, 4)
	var b strings.Builder
	for i := range 20 {
		fmt.Fprintf(&b, "/d read %d 4096\n", i * 4096)
	}
	st, err := replay.Run(context.Background(), dev, replay.NewSource(strings.NewReader(b.String())),
		replay.Options{Rate: 200, BatchSize: 1, SlabSize: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), st.Completed)
	// burst of one batch, then 5ms per op
	assert.GreaterOrEqual(t, st.Elapsed, 80 * time.Millisecond)
}
