// Package devsim simulates the hardware side of a frame ring controller.
//
// A Controller exposes the two BARs a real function is reached through,
// an Allocator standing in for DMA-capable host memory, and methods that
// perform the device's half of the slot ownership protocol: taking armed
// rx slots, filling them with frames and marking them received, draining
// published tx slots and marking them sent.
package devsim

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/romshark/framering/dma"
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
	"github.com/romshark/framering/ring"
)

var (
	ErrRxFull    = errors.New("no rx slot armed")
	ErrNoChannel = errors.New("dma channel not programmed")
)

// BAR0 layout of the simulated function.
const (
	FunctionAddr = 0x1000

	offMII    = 0x100
	offTxFifo = 0x200
	offMAC    = 0x300
	offMisc   = 0x400
	offRxMem  = 0x1000

	bar2Size = 0x2000
)

// Defaults for Config.
const (
	DefaultIOMemSlots = 8
	DefaultDMAWindow  = ring.DMALength * ring.SlotSize
	DefaultPhysBase   = 0x10000000
)

// DefaultMAC is the station address of a simulated function.
var DefaultMAC = net.HardwareAddr{0x00, 0x01, 0x05, 0xaa, 0xbb, 0xcc}

// Config describes the simulated function.
type Config struct {
	Kind regmap.Kind
	// RxSize and TxSize size the IOMem frame windows.
	RxSize uintptr
	TxSize uintptr
	// DMAWindow is the window each DMA channel reports, a power of two.
	DMAWindow    uint64
	// PhysBase is the physical address of the first DMA buffer handed out,
	// DefaultPhysBase if zero.
	PhysBase     uint64
	RxDMAChannel int
	TxDMAChannel int
	MAC          net.HardwareAddr
}

func (c *Config) setDefaults() {
	if c.RxSize == 0 {
		c.RxSize = DefaultIOMemSlots * ring.SlotSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultIOMemSlots * ring.SlotSize
	}
	if c.DMAWindow == 0 {
		c.DMAWindow = DefaultDMAWindow
	}
	if c.RxDMAChannel == c.TxDMAChannel {
		c.TxDMAChannel = c.RxDMAChannel + 1
	}
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if c.PhysBase == 0 {
		c.PhysBase = DefaultPhysBase
	}
}

// Controller is a simulated controller function.
type Controller struct {
	conf Config
	fn   regmap.Function
	regs regmap.Registers

	bar0  *bar0
	bar2  *bar2
	alloc *Allocator

	lock      sync.Mutex
	rxArmed   []uintptr
	txPending []uint32
	rxNext    uintptr
	sent      [][]byte
	chanMem   map[int]*mmio.Region

	rxArms     int
	fifoResets int
}

// New returns a controller with the link down.
func New(conf Config) *Controller {
	conf.setDefaults()

	c := &Controller{
		conf:    conf,
		alloc:   NewAllocatorAt(conf.PhysBase),
		chanMem: make(map[int]*mmio.Region),
	}
	c.regs = regmap.Registers{
		MII:    FunctionAddr + offMII,
		TxFifo: FunctionAddr + offTxFifo,
		RxFifo: FunctionAddr + offTxFifo + regmap.RxFifoDelta,
		MAC:    FunctionAddr + offMAC,
		RxMem:  FunctionAddr + offRxMem,
		TxMem:  FunctionAddr + offRxMem + conf.RxSize,
		Misc:   FunctionAddr + offMisc,
	}
	c.fn = regmap.Function{
		Kind:         conf.Kind,
		Addr:         FunctionAddr,
		RxSize:       conf.RxSize,
		TxSize:       conf.TxSize,
		RxDMAChannel: conf.RxDMAChannel,
		TxDMAChannel: conf.TxDMAChannel,
	}

	size := c.regs.TxMem + conf.TxSize
	c.bar0 = &bar0{Region: mustRegion(int(size)), c: c}
	c.bar2 = &bar2{Region: mustRegion(bar2Size), c: c}

	info := []uint32{0, offMII, offTxFifo, offMAC, offRxMem, uint32(offRxMem + conf.RxSize), offMisc}
	for i, w := range info {
		c.bar0.Region.Write32(FunctionAddr+uintptr(4*i), w)
	}
	c.bar0.Region.CopyIn(c.regs.MII+regmap.MIIStationAddr, conf.MAC)
	c.bar0.Region.Write8(c.regs.MII+regmap.MIIFilter, 0xff)
	return c
}

func mustRegion(size int) *mmio.Region {
	r, err := mmio.NewRegion(make([]byte, size))
	if err != nil {
		panic(err)
	}
	return r
}

// Function returns the function description a driver attaches with.
func (c *Controller) Function() regmap.Function { return c.fn }

// Registers returns the register groups the info block resolves to.
func (c *Controller) Registers() regmap.Registers { return c.regs }

// BAR0 is the register resource.
func (c *Controller) BAR0() mmio.Bus { return c.bar0 }

// BAR2 is the DMA configuration resource.
func (c *Controller) BAR2() mmio.Bus { return c.bar2 }

// Allocator hands out simulated DMA memory.
func (c *Controller) Allocator() *Allocator { return c.alloc }

// SetLink sets or clears the link bit. The receive engine restarts at the
// first slot whenever the link comes up.
func (c *Controller) SetLink(up bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var v uint32
	if up {
		v = regmap.LinkUpBit
		c.rxNext = 0
	}
	c.bar0.Region.Write32(c.regs.MII+regmap.MIILinkStatus, v)
}

// FilterDisabled reports whether the driver turned the MAC filter off.
func (c *Controller) FilterDisabled() bool {
	return c.bar0.Region.Read8(c.regs.MII+regmap.MIIFilter) == 0
}

// RxArms is the number of valid rx fifo submissions seen so far.
func (c *Controller) RxArms() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rxArms
}

// ArmedRx is the number of rx slots currently owned by the device.
func (c *Controller) ArmedRx() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conf.Kind == regmap.KindDMA {
		return len(c.rxArmed)
	}
	n := 0
	for off := uintptr(0); off+ring.SlotSize <= c.conf.RxSize; off += ring.SlotSize {
		if ioLength(c.bar0.Region, c.regs.RxMem+off) == 0 {
			n++
		}
	}
	return n
}

// FifoResets is the number of fifo control resets seen so far.
func (c *Controller) FifoResets() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.fifoResets
}

// PendingTx is the number of published, not yet sent tx slots.
func (c *Controller) PendingTx() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.txPending)
}

// Sent returns the frames transmitted so far and forgets them.
func (c *Controller) Sent() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := c.sent
	c.sent = nil
	return s
}

// Counters sets the MAC counter block.
type Counters struct {
	FrameLenErr uint8
	RxErr       uint8
	CRCErr      uint8
	LinkLost    uint8
	RxMemFull   uint8
	TxMemFull   uint8
	TxFrames    uint32
	RxFrames    uint32
}

// SetCounters overwrites the MAC counter block.
func (c *Controller) SetCounters(v Counters) {
	c.lock.Lock()
	defer c.lock.Unlock()
	b, m := c.bar0.Region, c.regs.MAC
	c.setMAC8(regmap.MACFrameLenErr, v.FrameLenErr)
	c.setMAC8(regmap.MACRxErr, v.RxErr)
	c.setMAC8(regmap.MACCRCErr, v.CRCErr)
	c.setMAC8(regmap.MACLinkLostErr, v.LinkLost)
	c.setMAC8(regmap.MACRxMemFull, v.RxMemFull)
	c.setMAC8(regmap.MACTxMemFull, v.TxMemFull)
	b.Write32(m+regmap.MACTxFrames, v.TxFrames)
	b.Write32(m+regmap.MACRxFrames, v.RxFrames)
}

// InjectRx delivers frame into the next rx slot the device owns and marks
// it received. It returns ErrRxFull if software still holds every slot.
func (c *Controller) InjectRx(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conf.Kind == regmap.KindDMA {
		mem := c.chanMem[c.conf.RxDMAChannel]
		if mem == nil {
			return ErrNoChannel
		}
		if len(c.rxArmed) == 0 {
			c.bumpRxMemFull()
			return ErrRxFull
		}
		off := c.rxArmed[0]
		c.rxArmed = c.rxArmed[1:]
		mem.CopyIn(off+ring.DMAHeaderSize, frame)
		// The stored length includes the 4 byte frame check sequence.
		mem.Write16(off+8, uint16(len(frame)+4))
		mmio.Barrier()
		mem.Write32(off+4, 1)
		c.bumpRxFrames()
		return nil
	}

	b, off := c.bar0.Region, c.regs.RxMem+c.rxNext
	if ioLength(b, off) != 0 {
		c.bumpRxMemFull()
		return ErrRxFull
	}
	b.CopyIn(off+ring.IOMemHeaderSize, frame)
	mmio.Barrier()
	setIOLength(b, off, uint16(len(frame)+ring.IOMemHeaderSize))
	c.rxNext += ring.SlotSize
	if c.rxNext+ring.SlotSize > c.conf.RxSize {
		c.rxNext = 0
	}
	c.bumpRxFrames()
	return nil
}

// InjectRxLength completes the next rx slot with a raw stored length and no
// payload, as a device reporting a truncated frame would.
func (c *Controller) InjectRxLength(length uint16) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conf.Kind == regmap.KindDMA {
		mem := c.chanMem[c.conf.RxDMAChannel]
		if mem == nil {
			return ErrNoChannel
		}
		if len(c.rxArmed) == 0 {
			return ErrRxFull
		}
		off := c.rxArmed[0]
		c.rxArmed = c.rxArmed[1:]
		mem.Write16(off+8, length)
		mem.Write32(off+4, 1)
		return nil
	}
	setIOLength(c.bar0.Region, c.regs.RxMem+c.rxNext, length)
	return nil
}

// CompleteTx transmits up to n published tx slots (all of them if n < 0)
// in submission order and hands them back to software. It returns the
// number of frames sent.
func (c *Controller) CompleteTx(n int) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if n < 0 || n > len(c.txPending) {
		n = len(c.txPending)
	}
	for _, v := range c.txPending[:n] {
		if c.conf.Kind == regmap.KindDMA {
			mem := c.chanMem[c.conf.TxDMAChannel]
			off := uintptr(v&0xffffff) - 8
			length := int(mem.Read16(off + 8))
			c.sent = append(c.sent, mmio.ReadBlock(mem, off+ring.DMAHeaderSize, length))
			mem.Write32(off+12, 1)
		} else {
			b, off := c.bar0.Region, c.regs.TxMem+uintptr(v)
			length := int(ioLength(b, off))
			c.sent = append(c.sent, mmio.ReadBlock(b, off+ring.IOMemHeaderSize, length))
			c.setMAC8(regmap.MACTxFifoLevel, c.mac8(regmap.MACTxFifoLevel)-1)
		}
		m := c.regs.MAC + regmap.MACTxFrames
		c.bar0.Region.Write32(m, c.bar0.Region.Read32(m)+1)
	}
	c.txPending = c.txPending[n:]
	return n
}

func (c *Controller) bumpRxFrames() {
	m := c.regs.MAC + regmap.MACRxFrames
	c.bar0.Region.Write32(m, c.bar0.Region.Read32(m)+1)
}

func (c *Controller) bumpRxMemFull() {
	c.setMAC8(regmap.MACRxMemFull, c.mac8(regmap.MACRxMemFull)+1)
}

// The driver reads the MAC block with word accesses, so bytes in it are
// updated through their enclosing word.
func (c *Controller) mac8(off uintptr) uint8 {
	a := c.regs.MAC + off
	return uint8(c.bar0.Region.Read32(a&^3) >> (8 * (a & 3)))
}

func (c *Controller) setMAC8(off uintptr, v uint8) {
	a := c.regs.MAC + off
	shift := 8 * (a & 3)
	w := c.bar0.Region.Read32(a &^ 3)
	w = w&^(0xff<<shift) | uint32(v)<<shift
	c.bar0.Region.Write32(a&^3, w)
}

// bar0 intercepts writes to the fifo registers.
type bar0 struct {
	*mmio.Region
	c *Controller
}

func (b *bar0) Write32(off uintptr, v uint32) {
	b.Region.Write32(off, v)
	c := b.c
	c.lock.Lock()
	defer c.lock.Unlock()

	switch off {
	case c.regs.TxFifo:
		c.txPending = append(c.txPending, v)
		if c.conf.Kind == regmap.KindIOMem {
			c.setMAC8(regmap.MACTxFifoLevel, c.mac8(regmap.MACTxFifoLevel)+1)
		}
	case c.regs.RxFifo:
		if v&(1<<31) != 0 {
			c.rxArmed = append(c.rxArmed, uintptr(v&^(1<<31)))
			c.rxArms++
		}
	case c.regs.TxFifo + regmap.FifoControl:
		if v == 0 {
			c.txPending = nil
			c.setMAC8(regmap.MACTxFifoLevel, 0)
			c.fifoResets++
		}
	case c.regs.RxFifo + regmap.FifoControl:
		if v == 0 {
			c.rxArmed = nil
			c.fifoResets++
		}
	}
}

// bar2 answers the DMA channel sizing handshake and records the address
// each channel is programmed with.
type bar2 struct {
	*mmio.Region
	c *Controller
}

func (b *bar2) Write32(off uintptr, v uint32) {
	c := b.c
	c.lock.Lock()
	defer c.lock.Unlock()

	if off < dma.ConfigBase {
		b.Region.Write32(off, v)
		return
	}
	ch := int((off - dma.ConfigBase) / dma.ConfigStride)
	hi := (off-dma.ConfigBase)%dma.ConfigStride == 4

	switch {
	case !hi && v == 0xffffffff:
		b.Region.Write32(off, uint32(^(c.conf.DMAWindow - 1)))
	case hi:
		b.Region.Write32(off, v)
		base := dma.ConfigOffset(ch)
		addr := uint64(b.Region.Read32(base)) | uint64(v)<<32
		c.chanMem[ch] = c.alloc.lookup(addr, c.conf.DMAWindow)
	default:
		b.Region.Write32(off, v)
	}
}

// Allocator is simulated DMA memory with made up physical addresses.
type Allocator struct {
	lock     sync.Mutex
	nextPhys uint64
	bufs     map[uint64][]byte
	fail     error
}

var _ dma.Allocator = (*Allocator)(nil)

// NewAllocator returns an allocator whose first buffer sits at
// DefaultPhysBase.
func NewAllocator() *Allocator { return NewAllocatorAt(DefaultPhysBase) }

// NewAllocatorAt returns an allocator whose first buffer sits at phys,
// which must be page aligned.
func NewAllocatorAt(phys uint64) *Allocator {
	return &Allocator{nextPhys: phys, bufs: make(map[uint64][]byte)}
}

// FailWith makes every following Alloc fail with err (nil restores).
func (a *Allocator) FailWith(err error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.fail = err
}

// Live is the number of buffers allocated and not yet freed.
func (a *Allocator) Live() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.bufs)
}

func (a *Allocator) Alloc(size int) (dma.Buffer, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.fail != nil {
		return dma.Buffer{}, a.fail
	}
	phys := a.nextPhys
	a.nextPhys += (uint64(size) + dma.PageSize) &^ (dma.PageSize - 1)
	mem := make([]byte, size)
	a.bufs[phys] = mem
	return dma.Buffer{Mem: mem, Phys: phys}, nil
}

func (a *Allocator) Free(b dma.Buffer) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.bufs[b.Phys]; !ok {
		return errors.Errorf("double free of 0x%x", b.Phys)
	}
	delete(a.bufs, b.Phys)
	return nil
}

func (a *Allocator) lookup(addr, size uint64) *mmio.Region {
	a.lock.Lock()
	defer a.lock.Unlock()
	for phys, mem := range a.bufs {
		if addr >= phys && addr+size <= phys+uint64(len(mem)) {
			r, err := mmio.NewRegion(mem[addr-phys : addr-phys+size])
			if err != nil {
				return nil
			}
			return r
		}
	}
	return nil
}

// IOMem slot lengths share a word with the reserved field after them and
// are accessed the way the driver accesses them, one word at a time.
func ioLength(b mmio.Bus, off uintptr) uint16 { return uint16(b.Read32(off)) }

func setIOLength(b mmio.Bus, off uintptr, n uint16) {
	b.Write32(off, b.Read32(off)&^0xffff|uint32(n))
}
