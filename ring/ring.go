// Package ring implements the frame rings shared between the driver and
// the controller.
//
// A ring is a fixed number of 2048 byte slots with a cursor pointing at the
// slot software acts on next. Every slot is owned either by software or by
// hardware; ownership changes only through the in-slot flags and length
// fields and the fifo registers, never implicitly.
//
// Terminology:
//
//   - Rx slot: armed (hardware owned) until the device marks it received.
//   - Tx slot: free (software owned) until published, then hardware owned
//     until the device marks it sent.
package ring

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/romshark/framering/mmio"
)

var ErrWindowTooSmall = errors.New("memory window smaller than one slot")

const (
	// SlotSize is the size of one frame slot in bytes.
	SlotSize = 0x800

	// DMALength is the number of slots of a DMA ring.
	DMALength = 64

	// DMA slot header.
	dmaRxFlags    = 4
	dmaLength     = 8
	dmaTxFlags    = 12
	DMAHeaderSize = 24

	// IOMem slot header.
	ioLength        = 0
	IOMemHeaderSize = 16

	// MaxPayload is the largest frame either backend can carry. The header
	// space is reserved uniformly so both layouts fit one slot size.
	MaxPayload = SlotSize - max(DMAHeaderSize, IOMemHeaderSize)

	flagReceived = 1
	flagSent     = 1
)

// Ring is the geometry and cursor of one direction's slot array.
type Ring struct {
	mem  mmio.Bus
	n    uint32
	next atomic.Uint32
}

// New lays out as many slots as fit into size bytes of mem, at most
// maxSlots (0 means no limit).
func New(mem mmio.Bus, size uintptr, maxSlots int) (*Ring, error) {
	if size > mem.Size() {
		size = mem.Size()
	}
	n := size / SlotSize
	if maxSlots > 0 && n > uintptr(maxSlots) {
		n = uintptr(maxSlots)
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrWindowTooSmall, "%d bytes", size)
	}
	return &Ring{mem: mem, n: uint32(n)}, nil
}

// Len is the number of slots.
func (r *Ring) Len() int { return int(r.n) }

// Mem is the memory the slots live in.
func (r *Ring) Mem() mmio.Bus { return r.mem }

// Start is the offset of the first slot.
func (r *Ring) Start() uintptr { return 0 }

// End is the offset of the last slot.
func (r *Ring) End() uintptr { return uintptr(r.n-1) * SlotSize }

// Current returns the index of the slot at the cursor.
func (r *Ring) Current() int { return int(r.next.Load()) }

// Offset returns the byte offset of the slot at the cursor.
func (r *Ring) Offset() uintptr { return uintptr(r.next.Load()) * SlotSize }

// Advance moves the cursor to the next slot, wrapping after End.
// Only one goroutine may advance a given ring.
func (r *Ring) Advance() {
	i := r.next.Load() + 1
	if i == r.n {
		i = 0
	}
	r.next.Store(i)
}

// Rewind puts the cursor back at Start.
func (r *Ring) Rewind() { r.next.Store(0) }
