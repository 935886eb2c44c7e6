package ring

import (
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
)

// IOMem moves frames through memory windows inside the register BAR.
// There is no separate DMA engine: the mapped window is the buffer the
// device reads and writes. A nonzero length marks a received slot.
type IOMem struct {
	bar  mmio.Bus
	regs regmap.Registers
	rx   fifo
	tx   fifo
}

// NewIOMem builds the rings on the function's rx and tx memory windows,
// sized by fn.RxSize and fn.TxSize. Both rings are reset before NewIOMem
// returns.
func NewIOMem(bar mmio.Bus, regs regmap.Registers, fn regmap.Function) (*IOMem, error) {
	rxMem, err := mmio.NewWindow(bar, regs.RxMem, fn.RxSize)
	if err != nil {
		return nil, err
	}
	txMem, err := mmio.NewWindow(bar, regs.TxMem, fn.TxSize)
	if err != nil {
		return nil, err
	}
	rxRing, err := New(rxMem, fn.RxSize, 0)
	if err != nil {
		return nil, err
	}
	txRing, err := New(txMem, fn.TxSize, 0)
	if err != nil {
		return nil, err
	}

	m := &IOMem{bar: bar, regs: regs}
	// The rx side has no fifo register; slots are armed by clearing length.
	m.rx = fifo{Ring: rxRing, arm: m.armRx}
	m.tx = fifo{Ring: txRing, regs: bar, reg: regs.TxFifo, hasReg: true, arm: func(uintptr) {}}
	m.rx.reset()
	m.tx.reset()
	return m, nil
}

func (m *IOMem) Kind() regmap.Kind { return regmap.KindIOMem }

func (m *IOMem) Rx() *Ring { return m.rx.Ring }
func (m *IOMem) Tx() *Ring { return m.tx.Ring }

func (m *IOMem) RxReady() int {
	n := int(ioLengthOf(m.rx.mem, m.rx.Offset()))
	if n < IOMemHeaderSize {
		return 0
	}
	return min(n-IOMemHeaderSize, MaxPayload)
}

func (m *IOMem) RxCopy(dst []byte) int {
	n := min(len(dst), MaxPayload)
	m.rx.mem.CopyOut(dst[:n], m.rx.Offset()+IOMemHeaderSize)
	return n
}

func (m *IOMem) RxArm() { m.armRx(m.rx.Offset()) }

func (m *IOMem) armRx(off uintptr) {
	setIOLength(m.rx.mem, off, 0)
	mmio.Barrier()
}

// TxReady reports an empty device transmit fifo.
func (m *IOMem) TxReady() bool { return m.regs.TxFifoIdle(m.bar) }

func (m *IOMem) TxPublish(frame []byte) {
	mem, off := m.tx.mem, m.tx.Offset()
	setIOLength(mem, off, uint16(len(frame)))
	mem.CopyIn(off+IOMemHeaderSize, frame)
	mmio.Barrier()
	m.tx.regs.Write32(m.tx.reg, uint32(off))
}

func (m *IOMem) ResetRx() { m.rx.reset() }
func (m *IOMem) ResetTx() { m.tx.reset() }

func (m *IOMem) Shutdown() {
	m.rx.stop()
	m.tx.stop()
	mmio.Barrier()
}

// The length is the low half of the slot's first 32-bit word. It is only
// accessed through that word, whose loads and stores are atomic.
const ioLengthMask = 0xffff

func ioLengthOf(mem mmio.Bus, off uintptr) uint16 {
	return uint16(mem.Read32(off+ioLength) & ioLengthMask)
}

func setIOLength(mem mmio.Bus, off uintptr, n uint16) {
	w := mem.Read32(off + ioLength)
	mem.Write32(off+ioLength, w&^ioLengthMask|uint32(n))
}
