// Package tap connects a network device to the host network stack through
// a TAP interface. Frames the device receives are written to the TAP
// file; frames the host sends are read from it and submitted.
package tap

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/framering/netdev"
	"github.com/romshark/framering/ring"
)

// DefaultReadSize fits any frame a TAP interface with the default MTU
// hands out.
const DefaultReadSize = 1 << 16

// Submitter takes outbound frames. *netdev.Device implements it.
type Submitter interface {
	Submit(frame []byte) error
}

var _ Submitter = (*netdev.Device)(nil)

// Interface is the host side of a device. It implements netdev.Stack.
type Interface struct {
	rw         io.ReadWriteCloser
	name       string
	setCarrier func(up bool) error
	setAddr    func(mac net.HardwareAddr) error
	log        *logrus.Entry

	gate *gate
	pool sync.Pool

	closeOnce sync.Once
	closeErr  error
	onClose   func() error
}

var _ netdev.Stack = (*Interface)(nil)

func newInterface(rw io.ReadWriteCloser, name string, setCarrier func(bool) error) *Interface {
	return &Interface{
		rw:         rw,
		name:       name,
		setCarrier: setCarrier,
		log:        logrus.WithFields(logrus.Fields{"module": "tap", "device": name}),
		gate:       newGate(),
		pool: sync.Pool{New: func() any {
			b := make([]byte, ring.MaxPayload)
			return &b
		}},
	}
}

// SetHardwareAddr changes the TAP interface's MAC address, usually to
// the station address of the device it is bridged to.
func (i *Interface) SetHardwareAddr(mac net.HardwareAddr) error {
	if i.setAddr == nil {
		return errors.New("setting the hardware address is not supported")
	}
	if err := i.setAddr(mac); err != nil {
		return err
	}
	i.log.WithField("mac", mac.String()).Debug("hardware address set")
	return nil
}

// Name is the TAP interface name.
func (i *Interface) Name() string { return i.name }

// Alloc returns a pooled buffer. Frames larger than a slot never arrive,
// so every request is served.
func (i *Interface) Alloc(n int) []byte {
	if n > ring.MaxPayload {
		return nil
	}
	return (*i.pool.Get().(*[]byte))[:n]
}

// Deliver writes frame to the host and returns its buffer to the pool.
func (i *Interface) Deliver(frame []byte) {
	if _, err := i.rw.Write(frame); err != nil {
		i.log.WithError(err).Warn("writing frame to host")
	}
	b := frame[:cap(frame)]
	i.pool.Put(&b)
}

func (i *Interface) Pause()  { i.gate.close() }
func (i *Interface) Resume() { i.gate.open() }

func (i *Interface) ReportLink(up bool) {
	if i.setCarrier == nil {
		return
	}
	if err := i.setCarrier(up); err != nil {
		i.log.WithError(err).WithField("up", up).Warn("setting carrier")
	}
}

// Run reads frames from the host and submits them to dev until ctx is
// done or reading fails. While dev has the queue paused no frame is read.
func (i *Interface) Run(ctx context.Context, dev Submitter) error {
	stop := context.AfterFunc(ctx, i.interrupt)
	defer stop()

	buf := make([]byte, DefaultReadSize)
	for {
		if err := i.gate.wait(ctx); err != nil {
			return err
		}
		n, err := i.rw.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return errors.Wrap(err, "reading from host")
		}
		if err := i.submit(ctx, dev, buf[:n]); err != nil {
			return err
		}
	}
}

// submit retries a frame rejected by a full ring once the queue resumes.
func (i *Interface) submit(ctx context.Context, dev Submitter, frame []byte) error {
	for {
		err := dev.Submit(frame)
		if !errors.Is(err, netdev.ErrTxBusy) {
			return err
		}
		if err := i.gate.wait(ctx); err != nil {
			return err
		}
	}
}

func (i *Interface) interrupt() {
	if d, ok := i.rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(time.Now())
	}
}

// Close releases the TAP interface.
func (i *Interface) Close() error {
	i.closeOnce.Do(func() {
		if i.onClose != nil {
			i.closeErr = i.onClose()
		}
		if err := i.rw.Close(); err != nil && i.closeErr == nil {
			i.closeErr = err
		}
	})
	return i.closeErr
}

// gate blocks readers while the device queue is paused.
type gate struct {
	lock   sync.Mutex
	isOpen bool
	opened chan struct{}
}

// newGate returns a closed gate; devices start with the queue paused.
func newGate() *gate { return &gate{opened: make(chan struct{})} }

func (g *gate) open() {
	g.lock.Lock()
	defer g.lock.Unlock()
	if !g.isOpen {
		g.isOpen = true
		close(g.opened)
	}
}

func (g *gate) close() {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.isOpen {
		g.isOpen = false
		g.opened = make(chan struct{})
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.lock.Lock()
	ch := g.opened
	g.lock.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
