package netdev

import (
	"github.com/romshark/framering/ifacestat"
)

// Tick runs one poll tick: link, then receive, then transmit. The order
// matters: a frame received right after link up must see the fresh rings.
// Tick is what the poll loop calls; hosts without a poll loop call it
// themselves. It does nothing once the device is detached.
func (d *Device) Tick() {
	d.tickLock.Lock()
	defer d.tickLock.Unlock()

	if d.backend == nil {
		return
	}
	d.pollLink()
	d.pollRx()
	d.pollTx()
}

func (d *Device) pollLink() {
	up := d.regs.LinkUp(d.hw.BAR0)
	if up == d.carrier.Load() {
		return
	}
	if up {
		d.linkUp()
	} else {
		d.linkDown()
	}
}

func (d *Device) linkUp() {
	d.log.Info("NIC link is up")

	d.txLock.Lock()
	d.backend.ResetRx()
	d.backend.ResetTx()
	if err := d.transmit(forwardFrames, false); err != nil {
		d.log.WithError(err).Warn("sending forwarding frame")
	}
	d.txLock.Unlock()

	d.carrier.Store(true)
	d.stack.ReportLink(true)
	// A ring still busy with the forwarding frame is left to pollTx.
	if d.backend.TxReady() {
		d.resume()
	}
}

func (d *Device) linkDown() {
	d.pause()
	d.carrier.Store(false)
	d.stack.ReportLink(false)
	d.log.Info("NIC link is down")
}

func (d *Device) pollRx() {
	for n := 0; d.conf.RxBudget == UnboundedRxBudget || n < d.conf.RxBudget; n++ {
		length := d.backend.RxReady()
		if length == 0 {
			return
		}
		d.receive(length)
		d.backend.RxArm()
		d.backend.Rx().Advance()
	}
}

func (d *Device) receive(length int) {
	buf := d.stack.Alloc(length)
	if len(buf) < length {
		d.log.WithField("length", length).Warn("out of memory, dropping frame")
		d.counters.Inc(ifacestat.RxDropped)
		return
	}
	n := d.backend.RxCopy(buf[:length])
	d.counters.Add(ifacestat.RxBytes, uint64(n))
	d.stack.Deliver(buf[:n])
}

// pollTx wakes a queue paused by a full ring once the slot at the cursor
// is free again. Without carrier the queue stays paused.
func (d *Device) pollTx() {
	if d.carrier.Load() && d.backend.TxReady() {
		d.resume()
	}
}
