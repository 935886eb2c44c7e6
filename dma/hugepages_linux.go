//go:build linux

package dma

import (
	"encoding/binary"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	log2PageSize     = 12
	log2HugePageSize = log2PageSize + 9
	hugePageSize     = 1 << log2HugePageSize

	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// HugePages allocates locked hugepage mappings and resolves their physical
// addresses through /proc/self/pagemap, which requires CAP_SYS_ADMIN.
//
// Allocations larger than one hugepage are accepted only if the kernel
// happened to back them with physically consecutive pages.
type HugePages struct {
	lock    sync.Mutex
	pagemap *os.File
}

var _ Allocator = (*HugePages)(nil)

func (h *HugePages) Alloc(size int) (Buffer, error) {
	n := (size + hugePageSize - 1) &^ (hugePageSize - 1)
	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return Buffer{}, errors.Wrap(err, "mmap hugepages failed")
	}

	phys, err := h.physContiguous(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return Buffer{}, err
	}
	return Buffer{Mem: mem, Phys: phys}, nil
}

func (h *HugePages) Free(b Buffer) error {
	if b.Mem == nil {
		return nil
	}
	if err := unix.Munmap(b.Mem[:cap(b.Mem)]); err != nil {
		return errors.Wrap(err, "munmap hugepages failed")
	}
	return nil
}

// Close releases the pagemap handle.
func (h *HugePages) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.pagemap == nil {
		return nil
	}
	err := h.pagemap.Close()
	h.pagemap = nil
	return err
}

func (h *HugePages) physContiguous(mem []byte) (uint64, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.pagemap == nil {
		f, err := os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
		if err != nil {
			return 0, errors.Wrap(err, "open pagemap failed")
		}
		h.pagemap = f
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	var first uint64
	for i := 0; i < len(mem); i += hugePageSize {
		phys, err := h.lookup(base + uintptr(i))
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = phys
			continue
		}
		if phys != first+uint64(i) {
			return 0, errors.Wrapf(ErrDiscontiguous, "page %d at 0x%x", i/hugePageSize, phys)
		}
	}
	return first, nil
}

func (h *HugePages) lookup(virt uintptr) (uint64, error) {
	var b [8]byte
	pfn := int64(virt >> log2PageSize)
	if _, err := h.pagemap.ReadAt(b[:], pfn*8); err != nil {
		return 0, errors.Wrap(err, "read pagemap failed")
	}
	v := binary.LittleEndian.Uint64(b[:])
	if v&pagemapPresent == 0 {
		return 0, errors.Errorf("page at 0x%x not present", virt)
	}
	phys := (v & pagemapPFNMask) << log2PageSize
	if phys == 0 {
		return 0, errors.New("pagemap hides physical addresses, CAP_SYS_ADMIN required")
	}
	return phys + uint64(virt&(PageSize-1)), nil
}
