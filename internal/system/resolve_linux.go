//go:build linux

package system

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Resolver turns an open device into a human readable identity of the whole disk it
// belongs to. Only used for diagnostics, but failing to resolve means the target is
// not something we recognize as a block device.
type Resolver interface {
	Resolve(fd int) (string, error)
}

type ResolverFunc func(fd int) (string, error)

func (f ResolverFunc) Resolve(fd int) (string, error) { return f(fd) }

// SysfsResolver maps a block device to its whole disk through /sys/dev/block.
// Partitions (which have a "partition" attribute) resolve to their parent disk.
type SysfsResolver struct {
	Root	string // defaults to /sys
}

func (r SysfsResolver) root() string {
	if r.Root == "" { return "/sys" }
	return r.Root
}

func (r SysfsResolver) Resolve(fd int) (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", errors.Wrap(err, "fstat")
	}
	if st.Mode & unix.S_IFMT != unix.S_IFBLK {
		return "", errors.Errorf("not a block device (mode 0%o)", st.Mode)
	}
	rdev := uint64(st.Rdev)
	return r.ResolveDevno(unix.Major(rdev), unix.Minor(rdev))
}

// ResolveDevno resolves a major:minor pair to /dev/<disk>.
func (r SysfsResolver) ResolveDevno(major, minor uint32) (string, error) {
	link := filepath.Join(r.root(), "dev", "block", fmt.Sprintf("%d:%d", major, minor))
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", link)
	}

	name := filepath.Base(target)
	if _, err := os.Stat(filepath.Join(target, "partition")); err == nil {
		name = filepath.Base(filepath.Dir(target))
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "checking %s for partition", target)
	}
	return "/dev/" + name, nil
}
