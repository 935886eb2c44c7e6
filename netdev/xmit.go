package netdev

import (
	"net"

	"github.com/romshark/framering/ifacestat"
	"github.com/romshark/framering/ring"
)

// forwardFrames is sent once after every link up. It switches the
// controller into forwarding all ethernet frames to the host.
var forwardFrames = []byte{
	0x01, 0x01, 0x05, 0x01, 0x00, 0x00,
	0x00, 0x1b, 0x21, 0x36, 0x1b, 0xce,
	0x88, 0xa4, 0x0e, 0x10,
	0x08,
	0x00,
	0x00, 0x00,
	0x00, 0x01,
	0x02, 0x00,
	0x00, 0x00,
	0x00, 0x00,
	0x00, 0x00,
}

// Submit transmits frame. The frame is copied into the ring, so the caller
// may reuse it once Submit returns.
//
// Frames larger than ring.MaxPayload are dropped and counted, and Submit
// returns nil since the frame was consumed. Submitting while the queue is
// paused is a caller bug and returns ErrTxBusy without touching the ring.
func (d *Device) Submit(frame []byte) error {
	d.txLock.Lock()
	defer d.txLock.Unlock()
	return d.transmit(frame, true)
}

// SubmitBuffers is Submit for a frame given as segments. Only frames with
// at most one non-empty segment are supported; others are dropped.
func (d *Device) SubmitBuffers(bufs net.Buffers) error {
	var frame []byte
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if frame != nil {
			d.log.Warn("non linear frame not supported, dropping frame")
			d.counters.Inc(ifacestat.TxDropped)
			return nil
		}
		frame = b
	}
	return d.Submit(frame)
}

// transmit must be called with txLock held. Frames sent by the driver
// itself bypass the queue state, only the ring decides.
func (d *Device) transmit(frame []byte, fromStack bool) error {
	if d.backend == nil {
		return ErrDetached
	}
	if len(frame) > ring.MaxPayload {
		d.log.WithField("length", len(frame)).Warnf("frame exceeds slot payload of %d bytes, dropping frame",
			ring.MaxPayload)
		d.counters.Inc(ifacestat.TxDropped)
		return nil
	}
	if (fromStack && d.stopped.Load()) || !d.backend.TxReady() {
		d.log.Error("BUG! tx ring full when queue awake")
		d.pause()
		return ErrTxBusy
	}

	d.backend.TxPublish(frame)
	d.counters.Add(ifacestat.TxBytes, uint64(len(frame)))
	d.backend.Tx().Advance()

	if !d.backend.TxReady() {
		d.pause()
	}
	return nil
}
