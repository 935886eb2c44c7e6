//go:build linux

package mmio

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MapFile maps size bytes of a device resource file, typically
// /sys/bus/pci/devices/<addr>/resourceN. If size is 0 the file size is used.
func MapFile(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open resource failed")
	}
	defer f.Close()

	if size == 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, errors.Wrap(err, "stat resource failed")
		}
		size = int(fi.Size())
	}
	if size <= 0 {
		return nil, errors.Errorf("resource %s has no size", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s failed", path)
	}
	return &Region{mem: mem, mapped: true}, nil
}

// Close unmaps a region returned by MapFile. It is a no-op for regions
// created with NewRegion.
func (r *Region) Close() error {
	if !r.mapped || r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return errors.Wrap(err, "munmap failed")
	}
	return nil
}
