// Package dma sets up DMA channels between host memory and the controller.
//
// Each channel owns a buffer of host memory that the device reads and
// writes directly. The controller accepts buffers only at an address
// aligned to the channel's window size, so the buffer is allocated at
// twice that size and the aligned window inside it is handed to the ring.
package dma

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/framering/mmio"
)

var (
	ErrChannelBusy    = errors.New("dma channel already reserved")
	ErrChannelInvalid = errors.New("dma channel out of range")
	ErrNoWindow       = errors.New("dma channel reports no memory window")
	ErrDiscontiguous  = errors.New("dma buffer is not physically contiguous")
)

const (
	// PageSize is the granularity the controller's address translation uses.
	PageSize = 4096

	// ConfigBase is the BAR2 offset of the first channel's translation register.
	ConfigBase = 0x1000
	// ConfigStride is the distance between two channels' registers.
	ConfigStride = 8

	// DefaultMaxChannels bounds the channel registry.
	DefaultMaxChannels = 32
)

// ConfigOffset returns the BAR2 offset of channel ch's translation register.
func ConfigOffset(ch int) uintptr { return ConfigBase + uintptr(ch)*ConfigStride }

// Buffer is host memory visible to the device.
type Buffer struct {
	Mem  []byte
	Phys uint64
}

// Allocator hands out physically contiguous, locked host memory.
type Allocator interface {
	Alloc(size int) (Buffer, error)
	Free(Buffer) error
}

// Registry is a bounded table of reserved channel numbers.
type Registry struct {
	lock  sync.Mutex
	owner []string
}

// NewRegistry returns a registry for channels [0, n).
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = DefaultMaxChannels
	}
	return &Registry{owner: make([]string, n)}
}

// Reserve claims channel ch for owner.
func (r *Registry) Reserve(ch int, owner string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if ch < 0 || ch >= len(r.owner) {
		return errors.Wrapf(ErrChannelInvalid, "channel %d", ch)
	}
	if r.owner[ch] != "" {
		return errors.Wrapf(ErrChannelBusy, "channel %d held by %s", ch, r.owner[ch])
	}
	r.owner[ch] = owner
	return nil
}

// Release frees channel ch. Releasing a free channel is a no-op.
func (r *Registry) Release(ch int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if ch >= 0 && ch < len(r.owner) {
		r.owner[ch] = ""
	}
}

// InUse returns the number of reserved channels.
func (r *Registry) InUse() (n int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, o := range r.owner {
		if o != "" {
			n++
		}
	}
	return
}

// Channel is an initialized DMA channel.
type Channel struct {
	number     int
	buf        Buffer
	translated uint64
	window     *mmio.Region

	alloc    Allocator
	registry *Registry
	log      *logrus.Entry
}

// Number returns the channel number.
func (c *Channel) Number() int { return c.number }

// Window is the device-visible frame memory. Offsets into it are what the
// device expects in fifo registers.
func (c *Channel) Window() *mmio.Region { return c.window }

// Translated is the device address of the window's first byte.
func (c *Channel) Translated() uint64 { return c.translated }

// Open sizes, allocates, reserves and programs DMA channel ch.
func Open(bar2 mmio.Bus, ch int, alloc Allocator, registry *Registry, owner string) (*Channel, error) {
	log := logrus.WithFields(logrus.Fields{"module": "dma", "channel": ch})

	off := ConfigOffset(ch)
	if off+ConfigStride > bar2.Size() {
		return nil, errors.Wrapf(ErrChannelInvalid, "channel %d config at 0x%x", ch, off)
	}

	// Writing all ones and reading back yields the translation mask.
	bar2.Write32(off, 0xffffffff)
	mmio.Barrier()
	mask := bar2.Read32(off) & 0xfffffffc
	if mask == 0 {
		return nil, errors.Wrapf(ErrNoWindow, "channel %d", ch)
	}
	memSize := uint64(^mask) + 1
	if memSize < PageSize {
		return nil, errors.Wrapf(ErrNoWindow, "channel %d window of %d bytes", ch, memSize)
	}
	size := 2*memSize - PageSize

	buf, err := alloc.Alloc(int(size))
	if err != nil {
		log.Infof("init DMA%d memory failed", ch)
		return nil, errors.Wrapf(err, "allocating %d bytes for channel %d", size, ch)
	}
	if buf.Phys == 0 || len(buf.Mem) < int(size) {
		_ = alloc.Free(buf)
		return nil, errors.Errorf("allocator returned unusable buffer for channel %d", ch)
	}

	if err := registry.Reserve(ch, owner); err != nil {
		log.Infof("request dma channel %d failed", ch)
		_ = alloc.Free(buf)
		return nil, err
	}

	// The mask covers the low 32 address bits only; the high word passes
	// through unchanged.
	translated := (buf.Phys + memSize - PageSize) & (uint64(mask) | 0xffffffff00000000)
	if translated < buf.Phys || translated-buf.Phys+memSize > uint64(len(buf.Mem)) {
		registry.Release(ch)
		_ = alloc.Free(buf)
		return nil, errors.Errorf("channel %d window at 0x%x outside buffer at 0x%x", ch, translated, buf.Phys)
	}
	start := translated - buf.Phys
	window, err := mmio.NewRegion(buf.Mem[start : start+memSize])
	if err != nil {
		registry.Release(ch)
		_ = alloc.Free(buf)
		return nil, errors.Wrapf(err, "channel %d window", ch)
	}

	bar2.Write32(off, uint32(translated))
	bar2.Write32(off+4, uint32(translated>>32))
	mmio.Barrier()

	log.WithFields(logrus.Fields{
		"phys":       fmt.Sprintf("0x%x", buf.Phys),
		"translated": fmt.Sprintf("0x%x", translated),
		"mask":       fmt.Sprintf("0x%x", mask),
		"size":       size,
	}).Debug("DMA memory initialized")

	return &Channel{
		number:     ch,
		buf:        buf,
		translated: translated,
		window:     window,
		alloc:      alloc,
		registry:   registry,
		log:        log,
	}, nil
}

// Close releases the channel reservation and its memory. The device must
// have stopped using the channel.
func (c *Channel) Close() error {
	if c.window == nil {
		return nil
	}
	c.registry.Release(c.number)
	c.window = nil
	if err := c.alloc.Free(c.buf); err != nil {
		return errors.Wrapf(err, "freeing channel %d memory", c.number)
	}
	return nil
}
