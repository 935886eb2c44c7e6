// Package regmap resolves the register groups of a controller function
// from the info block at the function's base address.
package regmap

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/romshark/framering/mmio"
)

var ErrRegisterOutOfRange = errors.New("register outside mapped resource")

// Kind identifies how a function moves frames.
type Kind int

const (
	// KindIOMem functions expose frame memory directly in the register BAR.
	KindIOMem Kind = iota
	// KindDMA functions move frames between host memory and the device
	// through DMA channels.
	KindDMA
)

func (k Kind) String() string {
	switch k {
	case KindIOMem:
		return "iomem"
	case KindDMA:
		return "dma"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Function describes one controller function. It comes from the
// controller's function table, which is read by the caller.
type Function struct {
	Kind Kind
	// Addr is the function's base offset within BAR0.
	Addr uintptr
	// RxSize and TxSize are the frame memory window sizes of IOMem functions.
	RxSize uintptr
	TxSize uintptr
	// RxDMAChannel and TxDMAChannel are used by DMA functions.
	RxDMAChannel int
	TxDMAChannel int
}

// Info block layout, seven little-endian words.
const (
	infoReserved = iota
	infoMII
	infoTxFifo
	infoMAC
	infoRxMem
	infoTxMem
	infoMisc
	infoWords

	InfoBlockSize = infoWords * 4
)

// Register offsets relative to the resolved groups.
const (
	// RxFifoDelta is the distance of the rx fifo register from the tx fifo.
	RxFifoDelta = 0x10
	// FifoControl is added to a fifo register to reach its control word.
	FifoControl = 0x8

	MIIStationAddr = 0x8
	MIILinkStatus  = 0x8 + 4
	MIIFilter      = 0x8 + 6
	LinkUpBit      = 1 << 24

	MACFrameLenErr = 0x00
	MACRxErr       = 0x01
	MACCRCErr      = 0x02
	MACLinkLostErr = 0x03
	MACRxMemFull   = 0x08
	MACTxFrames    = 0x10
	MACRxFrames    = 0x14
	MACTxFifoLevel = 0x20
	MACTxMemFull   = 0x28
	MACConnected   = 0x78
	MACBlockSize   = 0x79

	TxFifoLevelMask = 0x3f
)

// Registers are BAR0 offsets of a function's register groups. They are
// resolved once at attach time and never change afterwards.
type Registers struct {
	MII    uintptr
	TxFifo uintptr
	RxFifo uintptr
	MAC    uintptr
	RxMem  uintptr
	TxMem  uintptr
	Misc   uintptr
}

// Resolve reads the info block at base and returns the function's registers.
func Resolve(bar mmio.Bus, base uintptr) (Registers, error) {
	if base+InfoBlockSize > bar.Size() {
		return Registers{}, errors.Wrapf(ErrRegisterOutOfRange,
			"info block at 0x%x", base)
	}

	var w [infoWords]uint32
	mmio.ReadWords(bar, base, w[:])

	r := Registers{
		MII:    base + uintptr(w[infoMII]),
		TxFifo: base + uintptr(w[infoTxFifo]),
		RxFifo: base + uintptr(w[infoTxFifo]) + RxFifoDelta,
		MAC:    base + uintptr(w[infoMAC]),
		RxMem:  base + uintptr(w[infoRxMem]),
		TxMem:  base + uintptr(w[infoTxMem]),
		Misc:   base + uintptr(w[infoMisc]),
	}

	for _, c := range []struct {
		name string
		off  uintptr
		size uintptr
	}{
		{"mii", r.MII, MIIFilter + 1},
		{"tx fifo", r.TxFifo, FifoControl + 4},
		{"rx fifo", r.RxFifo, FifoControl + 4},
		{"mac", r.MAC, MACBlockSize},
		{"misc", r.Misc, 4},
	} {
		if c.off+c.size > bar.Size() {
			return Registers{}, errors.Wrapf(ErrRegisterOutOfRange,
				"%s at 0x%x", c.name, c.off)
		}
	}
	return r, nil
}

// LinkUp reports the link bit of the management interface.
func (r Registers) LinkUp(bar mmio.Bus) bool {
	return bar.Read32(r.MII+MIILinkStatus)&LinkUpBit == LinkUpBit
}

// StationAddr returns the function's MAC address.
func (r Registers) StationAddr(bar mmio.Bus) net.HardwareAddr {
	return net.HardwareAddr(mmio.ReadBlock(bar, r.MII+MIIStationAddr, 6))
}

// DisableFilter turns off the MAC address filter so every frame is received.
func (r Registers) DisableFilter(bar mmio.Bus) {
	bar.Write8(r.MII+MIIFilter, 0)
	mmio.Barrier()
}

// TxFifoIdle reports whether the transmit fifo level is zero. The level is
// the low byte of its word.
func (r Registers) TxFifoIdle(bar mmio.Bus) bool {
	return bar.Read32(r.MAC+MACTxFifoLevel)&TxFifoLevelMask == 0
}

func (r Registers) String() string {
	return fmt.Sprintf("mii=0x%x tx_fifo=0x%x rx_fifo=0x%x mac=0x%x rx_mem=0x%x tx_mem=0x%x misc=0x%x",
		r.MII, r.TxFifo, r.RxFifo, r.MAC, r.RxMem, r.TxMem, r.Misc)
}
