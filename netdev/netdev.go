// Package netdev drives one controller function as a network device.
//
// The controller has no interrupts. An open Device runs a poll loop that
// checks the link, drains the receive ring and watches the transmit ring
// at a fixed interval, in that order. Frames are handed to a Stack, which
// in turn submits outbound frames through Submit.
package netdev

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/framering/dma"
	"github.com/romshark/framering/ifacestat"
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/pace"
	"github.com/romshark/framering/regmap"
	"github.com/romshark/framering/ring"
)

var (
	// ErrTxBusy rejects a frame submitted while the queue is paused or the
	// ring is full. The frame is not consumed and not counted as dropped;
	// the caller keeps it and retries after Resume.
	ErrTxBusy   = errors.New("tx ring full while queue awake")
	ErrNoDMA    = errors.New("dma function needs BAR2 and a DMA allocator")
	ErrDetached = errors.New("device detached")
)

// Stack is the host network stack a device delivers to.
type Stack interface {
	// Alloc returns a buffer of at least n bytes for an inbound frame,
	// or nil if none is available.
	Alloc(n int) []byte
	// Deliver hands an inbound frame allocated by Alloc to the stack.
	Deliver(frame []byte)
	// Pause stops and Resume restarts calls to Submit. Calls alternate,
	// starting with Resume.
	Pause()
	Resume()
	// ReportLink is called on every carrier change.
	ReportLink(up bool)
}

// Hardware are the resources a function is reached through.
type Hardware struct {
	BAR0 mmio.Bus

	// BAR2, Allocator and Registry are used by DMA functions only.
	// A nil Registry makes the device use a private one.
	BAR2      mmio.Bus
	Allocator dma.Allocator
	Registry  *dma.Registry
}

// Device is an attached controller function.
type Device struct {
	conf  Config
	hw    Hardware
	regs  regmap.Registers
	kind  regmap.Kind
	stack Stack
	mac   net.HardwareAddr
	log   *logrus.Entry

	// tickLock is held for a whole poll tick, txLock while the transmit
	// ring is touched. tickLock is always taken first.
	tickLock sync.Mutex
	txLock   sync.Mutex
	backend  ring.Backend
	channels []*dma.Channel

	counters ifacestat.Counters
	carrier  atomic.Bool

	// queueLock orders queue state changes with the Stack calls reporting
	// them. It is taken last; Stack.Pause and Stack.Resume must not call
	// back into the device.
	queueLock sync.Mutex
	stopped   atomic.Bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Attach resolves the function's registers, sets up its rings and returns
// the device with the carrier off. Nothing acquired is kept on failure.
func Attach(hw Hardware, fn regmap.Function, stack Stack, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	log := logrus.WithFields(logrus.Fields{"module": "netdev", "device": conf.Name})

	if hw.BAR0 == nil {
		return nil, errors.New("missing BAR0")
	}
	regs, err := regmap.Resolve(hw.BAR0, fn.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving registers")
	}
	log.WithField("registers", regs.String()).Debug("registers resolved")

	d := &Device{
		conf:  conf,
		hw:    hw,
		regs:  regs,
		kind:  fn.Kind,
		stack: stack,
		log:   log,
	}

	switch fn.Kind {
	case regmap.KindDMA:
		err = d.initDMA(fn)
	case regmap.KindIOMem:
		d.backend, err = ring.NewIOMem(hw.BAR0, regs, fn)
		err = errors.Wrap(err, "init frame memory")
	default:
		err = errors.Errorf("unsupported function kind %s", fn.Kind)
	}
	if err != nil {
		log.WithError(err).Warnf("%s initialization failed", fn.Kind)
		return nil, err
	}

	regs.DisableFilter(hw.BAR0)
	d.mac = regs.StationAddr(hw.BAR0)
	d.stopped.Store(true)

	log.WithFields(logrus.Fields{
		"kind": fn.Kind.String(),
		"mac":  d.mac.String(),
		"rx":   d.backend.Rx().Len(),
		"tx":   d.backend.Tx().Len(),
	}).Info("registered network device")
	return d, nil
}

func (d *Device) initDMA(fn regmap.Function) error {
	if d.hw.BAR2 == nil || d.hw.Allocator == nil {
		return ErrNoDMA
	}
	registry := d.hw.Registry
	if registry == nil {
		registry = dma.NewRegistry(0)
	}

	rx, err := dma.Open(d.hw.BAR2, fn.RxDMAChannel, d.hw.Allocator, registry, d.conf.Name)
	if err != nil {
		return errors.Wrap(err, "init RX DMA memory")
	}
	tx, err := dma.Open(d.hw.BAR2, fn.TxDMAChannel, d.hw.Allocator, registry, d.conf.Name)
	if err != nil {
		_ = rx.Close()
		return errors.Wrap(err, "init TX DMA memory")
	}
	b, err := ring.NewDMA(d.hw.BAR0, d.regs, rx.Window(), tx.Window())
	if err != nil {
		_ = tx.Close()
		_ = rx.Close()
		return errors.Wrap(err, "init DMA rings")
	}
	d.backend = b
	d.channels = []*dma.Channel{rx, tx}
	return nil
}

// Name is the configured device name.
func (d *Device) Name() string { return d.conf.Name }

// Kind is the function's backend kind.
func (d *Device) Kind() regmap.Kind { return d.kind }

// HardwareAddr is the station address read at attach time.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

// Carrier reports whether the link was up at the last poll tick.
func (d *Device) Carrier() bool { return d.carrier.Load() }

// Rings returns the receive and transmit rings, nil once detached.
func (d *Device) Rings() (rx, tx *ring.Ring) {
	d.tickLock.Lock()
	defer d.tickLock.Unlock()
	if d.backend == nil {
		return nil, nil
	}
	return d.backend.Rx(), d.backend.Tx()
}

// Stats returns the device statistics.
func (d *Device) Stats() ifacestat.Stats {
	return ifacestat.Snapshot(&d.counters, ifacestat.ReadMAC(d.hw.BAR0, d.regs.MAC))
}

// Open starts the poll loop. Opening an open device is a no-op.
func (d *Device) Open() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.cancel != nil {
		return nil
	}
	d.tickLock.Lock()
	detached := d.backend == nil
	d.tickLock.Unlock()
	if detached {
		return ErrDetached
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p := pace.New(d.conf.PollInterval)
	go func() {
		defer close(done)
		_ = p.Run(ctx, d.Tick)
	}()
	d.cancel, d.done = cancel, done
	d.log.WithField("interval", d.conf.PollInterval).Debug("poll loop started")
	return nil
}

// Close pauses the queue and stops the poll loop. It returns only once a
// tick in flight has finished; no tick starts afterwards.
func (d *Device) Close() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.closeLocked()
}

func (d *Device) closeLocked() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel, d.done = nil, nil
	d.pause()
	d.log.Debug("poll loop stopped")
}

// Detach closes the device, stops both hardware fifos and releases the
// DMA channels, tx before rx. The device is unusable afterwards.
func (d *Device) Detach() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.closeLocked()

	d.tickLock.Lock()
	d.txLock.Lock()
	b := d.backend
	d.backend = nil
	d.txLock.Unlock()
	d.tickLock.Unlock()
	if b == nil {
		return nil
	}
	b.Shutdown()

	var first error
	for i := len(d.channels) - 1; i >= 0; i-- {
		if err := d.channels[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	d.channels = nil
	d.log.Info("detached")
	return first
}

func (d *Device) pause() {
	d.queueLock.Lock()
	defer d.queueLock.Unlock()
	if d.stopped.CompareAndSwap(false, true) {
		d.stack.Pause()
	}
}

func (d *Device) resume() {
	d.queueLock.Lock()
	defer d.queueLock.Unlock()
	if d.stopped.CompareAndSwap(true, false) {
		d.stack.Resume()
	}
}
