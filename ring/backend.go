package ring

import (
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
)

// Backend is a pair of rings together with the access mode used to move
// frames through them. The control loop works only through this interface.
type Backend interface {
	Kind() regmap.Kind

	// RxReady returns the payload length of the rx slot at the cursor,
	// or 0 if the device has not completed it.
	RxReady() int
	// RxCopy copies the completed rx payload at the cursor into dst.
	RxCopy(dst []byte) int
	// RxArm hands the rx slot at the cursor back to the device.
	RxArm()

	// TxReady reports whether the tx slot at the cursor may be reused.
	TxReady() bool
	// TxPublish writes frame into the tx slot at the cursor and hands it
	// to the device. len(frame) must not exceed MaxPayload.
	TxPublish(frame []byte)

	// ResetRx and ResetTx reset the hardware fifo, re-arm every slot once
	// and rewind the cursor.
	ResetRx()
	ResetTx()

	// Shutdown stops both hardware fifos.
	Shutdown()

	Rx() *Ring
	Tx() *Ring
}

var (
	_ Backend = (*DMA)(nil)
	_ Backend = (*IOMem)(nil)
)

// fifo is one ring plus the register the device takes submissions on.
type fifo struct {
	*Ring
	regs   mmio.Bus
	reg    uintptr
	hasReg bool
	arm    func(off uintptr)
}

func (f *fifo) reset() {
	if f.hasReg {
		f.regs.Write32(f.reg+regmap.FifoControl, 0)
		mmio.Barrier()
	}
	f.Rewind()
	for i := 0; i < f.Len(); i++ {
		f.arm(f.Offset())
		f.Advance()
	}
}

func (f *fifo) stop() {
	if f.hasReg {
		f.regs.Write32(f.reg+regmap.FifoControl, 0)
	}
}
