// Package ifacestat keeps the per-device traffic counters and combines
// them with the controller's MAC counter block into statistics snapshots.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
)

// Counter identifies one of the software maintained counters.
type Counter int

const (
	RxBytes Counter = iota
	RxDropped
	TxBytes
	TxDropped

	numCounters
)

func (c Counter) String() string {
	switch c {
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	}
	return ""
}

// Counters are updated from the poll loop and the submission path
// concurrently. The zero value is ready to use.
type Counters struct {
	v [numCounters]atomic.Uint64
}

func (c *Counters) Add(ctr Counter, n uint64) { c.v[ctr].Add(n) }

func (c *Counters) Inc(ctr Counter) { c.v[ctr].Add(1) }

func (c *Counters) Load(ctr Counter) uint64 { return c.v[ctr].Load() }

// MAC is a decoded copy of the hardware counter block.
type MAC struct {
	FrameLenErr uint8
	RxErr       uint8
	CRCErr      uint8
	LinkLostErr uint8
	RxMemFull   uint8
	TxMemFull   uint8
	TxFrames    uint32
	RxFrames    uint32
	TxFifoLevel uint8
	Connected   bool
}

// ReadMAC reads the counter block at base, one aligned word at a time.
func ReadMAC(bar mmio.Bus, base uintptr) MAC {
	byteAt := func(off uintptr) uint8 {
		a := base + off
		return uint8(bar.Read32(a&^3) >> (8 * (a & 3)))
	}
	return MAC{
		FrameLenErr: byteAt(regmap.MACFrameLenErr),
		RxErr:       byteAt(regmap.MACRxErr),
		CRCErr:      byteAt(regmap.MACCRCErr),
		LinkLostErr: byteAt(regmap.MACLinkLostErr),
		RxMemFull:   byteAt(regmap.MACRxMemFull),
		TxMemFull:   byteAt(regmap.MACTxMemFull),
		TxFrames:    bar.Read32(base + regmap.MACTxFrames),
		RxFrames:    bar.Read32(base + regmap.MACRxFrames),
		TxFifoLevel: byteAt(regmap.MACTxFifoLevel) & regmap.TxFifoLevelMask,
		Connected:   byteAt(regmap.MACConnected) != 0,
	}
}

// Stats is one device's statistics at a point in time.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	RxErrors  uint64
	TxErrors  uint64
	RxDropped uint64
	TxDropped uint64

	// Detailed receive errors.
	RxLengthErrors uint64
	RxOverErrors   uint64
	RxCRCErrors    uint64
	RxFrameErrors  uint64
	RxFIFOErrors   uint64

	LinkLost uint64
}

// Snapshot combines the software counters with a MAC counter block.
func Snapshot(c *Counters, mac MAC) Stats {
	return Stats{
		RxPackets: uint64(mac.RxFrames),
		TxPackets: uint64(mac.TxFrames),
		RxBytes:   c.Load(RxBytes),
		TxBytes:   c.Load(TxBytes),
		RxErrors: uint64(mac.FrameLenErr) + uint64(mac.RxMemFull) +
			uint64(mac.CRCErr) + uint64(mac.RxErr),
		TxErrors:  uint64(mac.TxMemFull),
		RxDropped: c.Load(RxDropped),
		TxDropped: c.Load(TxDropped),

		RxLengthErrors: uint64(mac.FrameLenErr),
		RxOverErrors:   uint64(mac.RxMemFull),
		RxCRCErrors:    uint64(mac.CRCErr),
		RxFrameErrors:  uint64(mac.RxErr),
		RxFIFOErrors:   uint64(mac.RxMemFull),

		LinkLost: uint64(mac.LinkLostErr),
	}
}

// Since computes s - old field by field. The hardware counters are narrow
// and wrap, so each difference is taken modulo the counter's width.
func (s Stats) Since(old Stats) Stats {
	d32 := func(a, b uint64) uint64 { return uint64(uint32(a) - uint32(b)) }
	d8 := func(a, b uint64) uint64 { return uint64(uint8(a) - uint8(b)) }
	d := Stats{
		RxPackets:      d32(s.RxPackets, old.RxPackets),
		TxPackets:      d32(s.TxPackets, old.TxPackets),
		RxBytes:        s.RxBytes - old.RxBytes,
		TxBytes:        s.TxBytes - old.TxBytes,
		TxErrors:       d8(s.TxErrors, old.TxErrors),
		RxDropped:      s.RxDropped - old.RxDropped,
		TxDropped:      s.TxDropped - old.TxDropped,
		RxLengthErrors: d8(s.RxLengthErrors, old.RxLengthErrors),
		RxOverErrors:   d8(s.RxOverErrors, old.RxOverErrors),
		RxCRCErrors:    d8(s.RxCRCErrors, old.RxCRCErrors),
		RxFrameErrors:  d8(s.RxFrameErrors, old.RxFrameErrors),
		RxFIFOErrors:   d8(s.RxFIFOErrors, old.RxFIFOErrors),
		LinkLost:       d8(s.LinkLost, old.LinkLost),
	}
	d.RxErrors = d.RxLengthErrors + d.RxOverErrors + d.RxCRCErrors + d.RxFrameErrors
	return d
}

// Print writes a short per-device summary, devices sorted by name.
func Print(w io.Writer, s map[string]Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		st := s[name]

		var err error
		if alias, ok := aliases[name]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", name, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", name)
		}
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  dropped %d  errors %d\n",
			st.TxPackets, humanize.Bytes(st.TxBytes), humanize.Comma(int64(st.TxBytes)),
			st.TxDropped, st.TxErrors,
		); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  dropped %d  errors %d\n",
			st.RxPackets, humanize.Bytes(st.RxBytes), humanize.Comma(int64(st.RxBytes)),
			st.RxDropped, st.RxErrors,
		); err != nil {
			return err
		}
	}
	return nil
}
