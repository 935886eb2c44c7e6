package ring

import (
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
)

const (
	// rxArmValid marks an rx fifo submission as valid.
	rxArmValid = 1 << 31
	// rxOverhead is subtracted from the length the device stores on receive.
	rxOverhead = dmaRxFlags
	// txLengthShift positions the 8-byte word count of a tx submission.
	txLengthShift = 24
)

// DMA moves frames through host memory the device accesses by DMA.
// Slot flags live in host memory; fifo registers live in BAR0.
type DMA struct {
	rx fifo
	tx fifo
}

// NewDMA builds the DMA rings on rxMem and txMem, the windows of the rx and
// tx channels. Both rings are reset before NewDMA returns.
func NewDMA(bar mmio.Bus, regs regmap.Registers, rxMem, txMem mmio.Bus) (*DMA, error) {
	rxRing, err := New(rxMem, rxMem.Size(), DMALength)
	if err != nil {
		return nil, err
	}
	txRing, err := New(txMem, txMem.Size(), DMALength)
	if err != nil {
		return nil, err
	}

	d := &DMA{}
	d.rx = fifo{Ring: rxRing, regs: bar, reg: regs.RxFifo, hasReg: true, arm: d.armRx}
	d.tx = fifo{Ring: txRing, regs: bar, reg: regs.TxFifo, hasReg: true, arm: d.freeTx}
	d.rx.reset()
	d.tx.reset()
	return d, nil
}

func (d *DMA) Kind() regmap.Kind { return regmap.KindDMA }

func (d *DMA) Rx() *Ring { return d.rx.Ring }
func (d *DMA) Tx() *Ring { return d.tx.Ring }

func (d *DMA) RxReady() int {
	mem, off := d.rx.mem, d.rx.Offset()
	if mem.Read32(off+dmaRxFlags)&flagReceived == 0 {
		return 0
	}
	n := int(mem.Read16(off + dmaLength))
	if n < rxOverhead {
		return 0
	}
	// Oversized lengths are clipped to the slot.
	return min(n-rxOverhead, MaxPayload)
}

func (d *DMA) RxCopy(dst []byte) int {
	n := min(len(dst), MaxPayload)
	d.rx.mem.CopyOut(dst[:n], d.rx.Offset()+DMAHeaderSize)
	return n
}

func (d *DMA) RxArm() { d.armRx(d.rx.Offset()) }

func (d *DMA) armRx(off uintptr) {
	d.rx.mem.Write32(off+dmaRxFlags, 0)
	d.rx.regs.Write32(d.rx.reg, rxArmValid|uint32(off))
	mmio.Barrier()
}

func (d *DMA) freeTx(off uintptr) {
	d.tx.mem.Write32(off+dmaTxFlags, flagSent)
}

func (d *DMA) TxReady() bool {
	return d.tx.mem.Read32(d.tx.Offset()+dmaTxFlags)&flagSent != 0
}

func (d *DMA) TxPublish(frame []byte) {
	mem, off := d.tx.mem, d.tx.Offset()
	mem.Write32(off+dmaTxFlags, 0)
	mem.Write16(off+dmaLength, uint16(len(frame)))
	mem.CopyIn(off+DMAHeaderSize, frame)
	mmio.Barrier()

	// The device skips the first 8 header bytes and drains whole 8-byte words.
	v := uint32(dmaLength) + uint32(off)
	v += uint32((len(frame)+DMAHeaderSize)/8) << txLengthShift
	d.tx.regs.Write32(d.tx.reg, v)
}

func (d *DMA) ResetRx() { d.rx.reset() }
func (d *DMA) ResetTx() { d.tx.reset() }

func (d *DMA) Shutdown() {
	d.rx.stop()
	d.tx.stop()
	mmio.Barrier()
}
