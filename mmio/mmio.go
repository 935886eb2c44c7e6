// Package mmio provides sized little-endian access to device memory.
//
// A Bus is anything that exposes device-visible memory at byte offsets:
// a mapped PCI BAR, a DMA buffer shared with the device, or a window
// into either. 32 and 64 bit accesses are single atomic loads and stores,
// so a store issued after a payload copy is never observed by the other
// side before the payload itself.
package mmio

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	ErrOutOfRange = errors.New("access out of range")
	ErrMisaligned = errors.New("misaligned access")
)

// Bus is byte-addressed device memory.
type Bus interface {
	Read8(off uintptr) uint8
	Read16(off uintptr) uint16
	Read32(off uintptr) uint32
	Read64(off uintptr) uint64

	Write8(off uintptr, v uint8)
	Write16(off uintptr, v uint16)
	Write32(off uintptr, v uint32)
	Write64(off uintptr, v uint64)

	// CopyOut copies len(dst) bytes starting at off into dst.
	CopyOut(dst []byte, off uintptr)
	// CopyIn copies src into device memory starting at off.
	CopyIn(off uintptr, src []byte)

	// Size is the number of addressable bytes.
	Size() uintptr
}

var bigEndianHost = func() bool {
	var i uint16 = 0x0001
	return (*[2]byte)(unsafe.Pointer(&i))[0] == 0x00
}()

func le16(v uint16) uint16 {
	if bigEndianHost {
		return bits.ReverseBytes16(v)
	}
	return v
}

func le32(v uint32) uint32 {
	if bigEndianHost {
		return bits.ReverseBytes32(v)
	}
	return v
}

func le64(v uint64) uint64 {
	if bigEndianHost {
		return bits.ReverseBytes64(v)
	}
	return v
}

var fence uint32

// Barrier orders all preceding loads and stores before any following ones.
// It is required at every software/hardware ownership handoff.
func Barrier() { atomic.AddUint32(&fence, 1) }

// Region is a Bus over a contiguous byte slice. The slice may be plain Go
// memory, an anonymous hugepage mapping or a mapped device resource.
type Region struct {
	mem    []byte
	mapped bool
}

var _ Bus = (*Region)(nil)

// NewRegion wraps b. The first byte of b must be 8-byte aligned.
func NewRegion(b []byte) (*Region, error) {
	if len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	return &Region{mem: b}, nil
}

// Bytes returns the underlying memory.
func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) Size() uintptr { return uintptr(len(r.mem)) }

func (r *Region) ptr(off, n uintptr) unsafe.Pointer {
	if off+n > uintptr(len(r.mem)) || off+n < off {
		panic(errors.Wrapf(ErrOutOfRange, "offset 0x%x size %d in region of %d bytes",
			off, n, len(r.mem)))
	}
	return unsafe.Pointer(&r.mem[off])
}

func (r *Region) Read8(off uintptr) uint8 {
	return *(*uint8)(r.ptr(off, 1))
}

func (r *Region) Read16(off uintptr) uint16 {
	return le16(*(*uint16)(r.ptr(off, 2)))
}

func (r *Region) Read32(off uintptr) uint32 {
	return le32(atomic.LoadUint32((*uint32)(r.ptr(off, 4))))
}

func (r *Region) Read64(off uintptr) uint64 {
	return le64(atomic.LoadUint64((*uint64)(r.ptr(off, 8))))
}

func (r *Region) Write8(off uintptr, v uint8) {
	*(*uint8)(r.ptr(off, 1)) = v
}

func (r *Region) Write16(off uintptr, v uint16) {
	*(*uint16)(r.ptr(off, 2)) = le16(v)
}

func (r *Region) Write32(off uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(r.ptr(off, 4)), le32(v))
}

func (r *Region) Write64(off uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(r.ptr(off, 8)), le64(v))
}

func (r *Region) CopyOut(dst []byte, off uintptr) {
	if len(dst) == 0 {
		return
	}
	r.ptr(off, uintptr(len(dst)))
	copy(dst, r.mem[off:])
}

func (r *Region) CopyIn(off uintptr, src []byte) {
	if len(src) == 0 {
		return
	}
	r.ptr(off, uintptr(len(src)))
	copy(r.mem[off:], src)
}

// Window is a sub-range of another Bus.
type Window struct {
	bus  Bus
	base uintptr
	size uintptr
}

var _ Bus = (*Window)(nil)

// NewWindow returns the size bytes of b starting at base.
func NewWindow(b Bus, base, size uintptr) (*Window, error) {
	if base+size > b.Size() || base+size < base {
		return nil, errors.Wrapf(ErrOutOfRange, "window 0x%x+0x%x exceeds bus of 0x%x bytes",
			base, size, b.Size())
	}
	return &Window{bus: b, base: base, size: size}, nil
}

// Base is the window's offset within its parent bus.
func (w *Window) Base() uintptr { return w.base }

func (w *Window) Size() uintptr { return w.size }

func (w *Window) check(off, n uintptr) uintptr {
	if off+n > w.size || off+n < off {
		panic(errors.Wrapf(ErrOutOfRange, "offset 0x%x size %d in window of %d bytes",
			off, n, w.size))
	}
	return w.base + off
}

func (w *Window) Read8(off uintptr) uint8   { return w.bus.Read8(w.check(off, 1)) }
func (w *Window) Read16(off uintptr) uint16 { return w.bus.Read16(w.check(off, 2)) }
func (w *Window) Read32(off uintptr) uint32 { return w.bus.Read32(w.check(off, 4)) }
func (w *Window) Read64(off uintptr) uint64 { return w.bus.Read64(w.check(off, 8)) }

func (w *Window) Write8(off uintptr, v uint8)   { w.bus.Write8(w.check(off, 1), v) }
func (w *Window) Write16(off uintptr, v uint16) { w.bus.Write16(w.check(off, 2), v) }
func (w *Window) Write32(off uintptr, v uint32) { w.bus.Write32(w.check(off, 4), v) }
func (w *Window) Write64(off uintptr, v uint64) { w.bus.Write64(w.check(off, 8), v) }

func (w *Window) CopyOut(dst []byte, off uintptr) {
	w.bus.CopyOut(dst, w.check(off, uintptr(len(dst))))
}

func (w *Window) CopyIn(off uintptr, src []byte) {
	w.bus.CopyIn(w.check(off, uintptr(len(src))), src)
}

// ReadBlock copies n bytes at off into a fresh slice.
func ReadBlock(b Bus, off uintptr, n int) []byte {
	p := make([]byte, n)
	b.CopyOut(p, off)
	return p
}

// ReadWords decodes len(dst) consecutive little-endian 32 bit words at off.
func ReadWords(b Bus, off uintptr, dst []uint32) {
	raw := ReadBlock(b, off, 4*len(dst))
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
}
