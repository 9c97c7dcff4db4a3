//go:build linux

package system

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AllocSlab_Aligned(t *testing.T) {
	slab, err := AllocSlab(0x1800)
	require.NoError(t, err)
	defer DeallocSlab(slab)

	assert.Equal(t, 0x1800, len(slab))
	assert.Equal(t, 0x2000, cap(slab), "should round up to whole pages")
	addr := uintptr(unsafe.Pointer(&slab[0]))
	assert.Zero(t, addr & 0xfff, "slab not page aligned")

	// writable all the way through
	for i := range slab {
		slab[i] = 'b'
	}
}

func Test_AllocSlab_Invalid(t *testing.T) {
	_, err := AllocSlab(0)
	assert.Error(t, err)
}

// builds a fake /sys with one disk and one partition on it, the way the kernel lays
// it out: /sys/dev/block/M:m -> ../../devices/.../block/<disk>[/<part>]
func fakeSysfs(t *testing.T) string {
	root := t.TempDir()
	disk := filepath.Join(root, "devices", "virtual", "block", "loop7")
	part := filepath.Join(disk, "loop7p1")
	require.NoError(t, os.MkdirAll(part, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(part, "partition"), []byte("1\n"), 0o644))

	links := filepath.Join(root, "dev", "block")
	require.NoError(t, os.MkdirAll(links, 0o755))
	require.NoError(t, os.Symlink(disk, filepath.Join(links, "7:7")))
	require.NoError(t, os.Symlink(part, filepath.Join(links, "259:0")))
	return root
}

func Test_SysfsResolver_WholeDisk(t *testing.T) {
	r := SysfsResolver{Root: fakeSysfs(t)}

	name, err := r.ResolveDevno(7, 7)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop7", name)
}

func Test_SysfsResolver_Partition(t *testing.T) {
	r := SysfsResolver{Root: fakeSysfs(t)}

	name, err := r.ResolveDevno(259, 0)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop7", name)
}

func Test_SysfsResolver_Unknown(t *testing.T) {
	r := SysfsResolver{Root: fakeSysfs(t)}

	_, err := r.ResolveDevno(8, 0)
	assert.Error(t, err)
}

func Test_SysfsResolver_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notablock")
	require.NoError(t, err)
	defer f.Close()

	_, err = SysfsResolver{}.Resolve(int(f.Fd()))
	assert.ErrorContains(t, err, "not a block device")
}
