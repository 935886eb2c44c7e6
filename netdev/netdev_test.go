package netdev_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/framering/devsim"
	"github.com/romshark/framering/dma"
	"github.com/romshark/framering/netdev"
	"github.com/romshark/framering/regmap"
	"github.com/romshark/framering/ring"
)

// stack records everything a device hands to the host stack.
type stack struct {
	lock      sync.Mutex
	delivered [][]byte
	links     []bool
	paused    bool
	pauses    int
	resumes   int
	noMemory  bool

	// onPause runs once, at the next Pause, before it is recorded.
	onPause func()
}

func (s *stack) Alloc(n int) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.noMemory {
		return nil
	}
	return make([]byte, n)
}

func (s *stack) Deliver(frame []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.delivered = append(s.delivered, frame)
}

func (s *stack) Pause() {
	s.lock.Lock()
	hook := s.onPause
	s.onPause = nil
	s.lock.Unlock()
	if hook != nil {
		hook()
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.paused = true
	s.pauses++
}

func (s *stack) Resume() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.paused = false
	s.resumes++
}

func (s *stack) ReportLink(up bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.links = append(s.links, up)
}

func (s *stack) isPaused() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.paused
}

func (s *stack) frames() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([][]byte(nil), s.delivered...)
}

func (s *stack) setNoMemory(v bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.noMemory = v
}

var forwardFrame = []byte{
	0x01, 0x01, 0x05, 0x01, 0x00, 0x00,
	0x00, 0x1b, 0x21, 0x36, 0x1b, 0xce,
	0x88, 0xa4, 0x0e, 0x10, 0x08, 0x00,
	0x00, 0x00, 0x00, 0x01, 0x02, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

type fixture struct {
	sim      *devsim.Controller
	stack    *stack
	registry *dma.Registry
	dev      *netdev.Device
}

func hardware(sim *devsim.Controller, registry *dma.Registry) netdev.Hardware {
	return netdev.Hardware{
		BAR0:      sim.BAR0(),
		BAR2:      sim.BAR2(),
		Allocator: sim.Allocator(),
		Registry:  registry,
	}
}

func attach(t *testing.T, kind regmap.Kind, conf netdev.Config) *fixture {
	t.Helper()
	f := &fixture{
		sim:      devsim.New(devsim.Config{Kind: kind}),
		stack:    &stack{},
		registry: dma.NewRegistry(0),
	}
	dev, err := netdev.Attach(hardware(f.sim, f.registry), f.sim.Function(), f.stack, conf)
	require.NoError(t, err)
	f.dev = dev
	t.Cleanup(func() { assert.NoError(t, dev.Detach()) })
	return f
}

// linkUp brings the link up and has the device send its forwarding frame.
func (f *fixture) linkUp(t *testing.T) {
	t.Helper()
	f.sim.SetLink(true)
	f.dev.Tick()
	require.Equal(t, 1, f.sim.CompleteTx(-1))
	require.Equal(t, [][]byte{forwardFrame}, f.sim.Sent())
	f.dev.Tick()
	require.True(t, f.dev.Carrier())
	require.False(t, f.stack.isPaused())
}

func frame(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

var kinds = []regmap.Kind{regmap.KindDMA, regmap.KindIOMem}

func TestAttach(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := attach(t, kind, netdev.Config{Name: "eth9"})
			assert.Equal(t, "eth9", f.dev.Name())
			assert.Equal(t, kind, f.dev.Kind())
			assert.False(t, f.dev.Carrier())
			assert.Equal(t, devsim.DefaultMAC, f.dev.HardwareAddr())
			assert.True(t, f.sim.FilterDisabled())

			rx, tx := f.dev.Rings()
			assert.Equal(t, 0, rx.Current())
			assert.Equal(t, 0, tx.Current())
			assert.Equal(t, rx.Len(), f.sim.ArmedRx())

			if kind == regmap.KindDMA {
				assert.Equal(t, 2, f.registry.InUse())
				assert.Equal(t, ring.DMALength, rx.Len())
			} else {
				assert.Zero(t, f.registry.InUse())
				assert.Equal(t, devsim.DefaultIOMemSlots, rx.Len())
			}
		})
	}
}

func TestDetachReleasesResources(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	dev, err := netdev.Attach(hardware(sim, registry), sim.Function(), &stack{}, netdev.Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Allocator().Live())

	resets := sim.FifoResets()
	require.NoError(t, dev.Detach())
	assert.Zero(t, registry.InUse())
	assert.Zero(t, sim.Allocator().Live())
	assert.Equal(t, resets+2, sim.FifoResets())

	require.NoError(t, dev.Detach())
	assert.ErrorIs(t, dev.Open(), netdev.ErrDetached)
	assert.ErrorIs(t, dev.Submit(frame(60, 0)), netdev.ErrDetached)
	dev.Tick()
	rx, tx := dev.Rings()
	assert.Nil(t, rx)
	assert.Nil(t, tx)
}

func TestAttachDMAWithoutResources(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	_, err := netdev.Attach(netdev.Hardware{BAR0: sim.BAR0()}, sim.Function(), &stack{}, netdev.Config{})
	assert.True(t, errors.Is(err, netdev.ErrNoDMA))
}

func TestAttachFailureReleasesInReverse(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	require.NoError(t, registry.Reserve(sim.Function().TxDMAChannel, "other"))

	_, err := netdev.Attach(hardware(sim, registry), sim.Function(), &stack{}, netdev.Config{})
	assert.True(t, errors.Is(err, dma.ErrChannelBusy))
	// Only the foreign reservation is left, the rx channel was given back.
	assert.Equal(t, 1, registry.InUse())
	assert.Zero(t, sim.Allocator().Live())
}

func TestAttachAllocFailure(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	oom := errors.New("out of hugepages")
	sim.Allocator().FailWith(oom)

	_, err := netdev.Attach(hardware(sim, registry), sim.Function(), &stack{}, netdev.Config{})
	assert.True(t, errors.Is(err, oom))
	assert.Zero(t, registry.InUse())
}

func TestAttachWindowTooSmall(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindIOMem, RxSize: ring.SlotSize / 2})
	_, err := netdev.Attach(hardware(sim, nil), sim.Function(), &stack{}, netdev.Config{})
	assert.True(t, errors.Is(err, ring.ErrWindowTooSmall))
}

func TestAttachUnknownKind(t *testing.T) {
	sim := devsim.New(devsim.Config{})
	fn := sim.Function()
	fn.Kind = regmap.Kind(7)
	_, err := netdev.Attach(hardware(sim, nil), fn, &stack{}, netdev.Config{})
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	c := netdev.Config{}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, netdev.DefaultName, c.Name)
	assert.Equal(t, netdev.DefaultPollInterval, c.PollInterval)
	assert.Equal(t, netdev.DefaultRxBudget, c.RxBudget)

	c = netdev.Config{RxBudget: netdev.UnboundedRxBudget}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, netdev.UnboundedRxBudget, c.RxBudget)

	c = netdev.Config{RxBudget: -2}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), netdev.ErrRxBudget)

	c = netdev.Config{PollInterval: -time.Second}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), netdev.ErrPollInterval)
}

func TestLinkUp(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := attach(t, kind, netdev.Config{})

			f.sim.SetLink(true)
			resets := f.sim.FifoResets()
			f.dev.Tick()

			assert.True(t, f.dev.Carrier())
			assert.Equal(t, []bool{true}, f.stack.links)
			assert.Greater(t, f.sim.FifoResets(), resets)

			rx, tx := f.dev.Rings()
			assert.Equal(t, 0, rx.Current())
			// The forwarding frame took the first tx slot.
			assert.Equal(t, 1, tx.Current())
			assert.Equal(t, 1, f.sim.PendingTx())
			assert.Equal(t, 1, f.sim.CompleteTx(-1))
			assert.Equal(t, [][]byte{forwardFrame}, f.sim.Sent())

			f.dev.Tick()
			assert.False(t, f.stack.isPaused())
			assert.Empty(t, f.sim.Sent())
		})
	}
}

func TestLinkBounceResetsRings(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.dev.Submit(frame(60, byte(i))))
		require.NoError(t, f.sim.InjectRx(frame(70, byte(i))))
	}
	f.dev.Tick()
	rx, tx := f.dev.Rings()
	require.Equal(t, 5, rx.Current())
	require.Equal(t, 6, tx.Current())

	f.sim.SetLink(false)
	f.dev.Tick()
	assert.False(t, f.dev.Carrier())
	assert.True(t, f.stack.isPaused())
	assert.ErrorIs(t, f.dev.Submit(frame(60, 0)), netdev.ErrTxBusy)

	f.sim.SetLink(true)
	f.dev.Tick()
	assert.True(t, f.dev.Carrier())
	assert.Equal(t, 0, rx.Current())
	assert.Equal(t, 1, tx.Current())
	assert.Equal(t, []bool{true, false, true}, f.stack.links)

	// The reset dropped the five unsent frames, only the new forwarding
	// frame is on the wire.
	f.sim.CompleteTx(-1)
	assert.Equal(t, [][]byte{forwardFrame}, f.sim.Sent())
	assert.Equal(t, ring.DMALength, f.sim.ArmedRx())
}

func TestReceive(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := attach(t, kind, netdev.Config{})
			f.linkUp(t)

			var want [][]byte
			var total uint64
			for i := 0; i < 3; i++ {
				fr := frame(60+i*100, byte(i))
				require.NoError(t, f.sim.InjectRx(fr))
				want = append(want, fr)
				total += uint64(len(fr))
			}
			f.dev.Tick()

			assert.Equal(t, want, f.stack.frames())
			assert.Equal(t, total, f.dev.Stats().RxBytes)
			rx, _ := f.dev.Rings()
			assert.Equal(t, rx.Len(), f.sim.ArmedRx())

			// Re-armed slots read as not ready until the device fills them.
			f.dev.Tick()
			assert.Len(t, f.stack.frames(), 3)
		})
	}
}

func TestReceiveMaxPayload(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)

	fr := frame(ring.MaxPayload, 3)
	require.NoError(t, f.sim.InjectRx(fr))
	f.dev.Tick()
	assert.Equal(t, [][]byte{fr}, f.stack.frames())
}

func TestReceiveMalformedIsNotReady(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)

	require.NoError(t, f.sim.InjectRxLength(2))
	f.dev.Tick()
	assert.Empty(t, f.stack.frames())
	assert.Zero(t, f.dev.Stats().RxBytes)
	assert.Zero(t, f.dev.Stats().RxDropped)
}

func TestReceiveAllocFailure(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)

	f.stack.setNoMemory(true)
	require.NoError(t, f.sim.InjectRx(frame(100, 1)))
	f.dev.Tick()

	st := f.dev.Stats()
	assert.Equal(t, uint64(1), st.RxDropped)
	assert.Zero(t, st.RxBytes)
	assert.Empty(t, f.stack.frames())
	// The slot went back to the device regardless.
	assert.Equal(t, ring.DMALength, f.sim.ArmedRx())

	f.stack.setNoMemory(false)
	require.NoError(t, f.sim.InjectRx(frame(100, 2)))
	f.dev.Tick()
	assert.Equal(t, [][]byte{frame(100, 2)}, f.stack.frames())
}

func TestRxBudget(t *testing.T) {
	for _, tc := range []struct {
		name    string
		budget  int
		perTick []int
	}{
		{"bounded", 2, []int{2, 4, 5}},
		{"default", 0, []int{5}},
		{"unbounded", netdev.UnboundedRxBudget, []int{5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := attach(t, regmap.KindDMA, netdev.Config{RxBudget: tc.budget})
			f.linkUp(t)

			for i := 0; i < 5; i++ {
				require.NoError(t, f.sim.InjectRx(frame(64, byte(i))))
			}
			for _, want := range tc.perTick {
				f.dev.Tick()
				assert.Len(t, f.stack.frames(), want)
			}
		})
	}
}

func TestUnboundedBudgetDrainsFullRing(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{RxBudget: netdev.UnboundedRxBudget})
	f.linkUp(t)

	for i := 0; i < 2*ring.DMALength; i++ {
		if i == ring.DMALength {
			f.dev.Tick()
			require.Len(t, f.stack.frames(), ring.DMALength)
		}
		require.NoError(t, f.sim.InjectRx(frame(64, byte(i))))
	}
	f.dev.Tick()
	assert.Len(t, f.stack.frames(), 2*ring.DMALength)
}

func TestSubmit(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := attach(t, kind, netdev.Config{})
			f.linkUp(t)

			fr := frame(1500, 9)
			require.NoError(t, f.dev.Submit(fr))
			// The ring holds a copy.
			fr[0] = 0xff
			assert.Equal(t, uint64(len(forwardFrame)+1500), f.dev.Stats().TxBytes)

			f.sim.CompleteTx(-1)
			assert.Equal(t, [][]byte{frame(1500, 9)}, f.sim.Sent())
		})
	}
}

func TestSubmitOversized(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)
	before := f.dev.Stats()

	require.NoError(t, f.dev.Submit(frame(ring.MaxPayload+1, 0)))

	after := f.dev.Stats()
	assert.Equal(t, before.TxDropped+1, after.TxDropped)
	assert.Equal(t, before.TxBytes, after.TxBytes)
	assert.Zero(t, f.sim.PendingTx())
	_, tx := f.dev.Rings()
	assert.Equal(t, 1, tx.Current())

	require.NoError(t, f.dev.Submit(frame(ring.MaxPayload, 0)))
	assert.Equal(t, 1, f.sim.PendingTx())
}

func TestSubmitBuffers(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)

	require.NoError(t, f.dev.SubmitBuffers([][]byte{nil, frame(60, 1), {}}))
	assert.Equal(t, 1, f.sim.PendingTx())

	require.NoError(t, f.dev.SubmitBuffers([][]byte{frame(30, 1), frame(30, 2)}))
	assert.Equal(t, uint64(1), f.dev.Stats().TxDropped)
	assert.Equal(t, 1, f.sim.PendingTx())
}

func TestBackpressure(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)
	_, tx := f.dev.Rings()
	n := tx.Len()

	var sent [][]byte
	for i := 0; i < n; i++ {
		require.False(t, f.stack.isPaused(), "paused before submit %d", i)
		fr := frame(100, byte(i))
		require.NoError(t, f.dev.Submit(fr))
		sent = append(sent, fr)
	}
	// The pause happens on the submit that used the last free slot.
	assert.True(t, f.stack.isPaused())
	assert.Equal(t, 1, f.stack.pauses)

	before := f.dev.Stats()
	cursor := tx.Current()
	assert.ErrorIs(t, f.dev.Submit(frame(100, 0xee)), netdev.ErrTxBusy)
	assert.Equal(t, cursor, tx.Current())
	// The rejected frame stays with the caller: neither sent nor dropped.
	after := f.dev.Stats()
	assert.Equal(t, before.TxBytes, after.TxBytes)
	assert.Equal(t, before.TxDropped, after.TxDropped)
	assert.Equal(t, n, f.sim.PendingTx())

	// A full ring stays paused across ticks.
	f.dev.Tick()
	assert.True(t, f.stack.isPaused())

	// Completing the oldest slot frees the slot at the cursor.
	f.sim.CompleteTx(1)
	f.dev.Tick()
	assert.False(t, f.stack.isPaused())
	require.NoError(t, f.dev.Submit(frame(100, 0xaa)))
	sent = append(sent, frame(100, 0xaa))

	// Every published frame left exactly once and in order: no slot was
	// reused before the device had sent it.
	f.sim.CompleteTx(-1)
	assert.Equal(t, sent, f.sim.Sent())
}

func TestResumeRacingPause(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.linkUp(t)
	_, tx := f.dev.Rings()

	// While the submit that fills the ring is pausing the queue, the device
	// sends a frame and a poll tick sees the free slot.
	tickDone := make(chan struct{})
	f.stack.lock.Lock()
	f.stack.onPause = func() {
		f.sim.CompleteTx(1)
		go func() {
			defer close(tickDone)
			f.dev.Tick()
		}()
		select {
		case <-tickDone:
		case <-time.After(50 * time.Millisecond):
		}
	}
	f.stack.lock.Unlock()

	for i := 0; i < tx.Len(); i++ {
		require.NoError(t, f.dev.Submit(frame(60, byte(i))))
	}
	<-tickDone

	f.sim.CompleteTx(-1)
	for i := 0; i < 10; i++ {
		f.dev.Tick()
	}
	f.stack.lock.Lock()
	paused, pauses, resumes := f.stack.paused, f.stack.pauses, f.stack.resumes
	f.stack.lock.Unlock()
	assert.False(t, paused, "queue paused with a free ring")
	assert.Equal(t, resumes, pauses+1)
	require.NoError(t, f.dev.Submit(frame(60, 0xaa)))
}

func TestIOMemBackpressure(t *testing.T) {
	f := attach(t, regmap.KindIOMem, netdev.Config{})
	f.linkUp(t)

	require.NoError(t, f.dev.Submit(frame(60, 1)))
	// The transmit fifo is busy until the device drains it.
	assert.True(t, f.stack.isPaused())
	assert.ErrorIs(t, f.dev.Submit(frame(60, 2)), netdev.ErrTxBusy)

	f.sim.CompleteTx(-1)
	f.dev.Tick()
	assert.False(t, f.stack.isPaused())
	require.NoError(t, f.dev.Submit(frame(60, 3)))
	f.sim.CompleteTx(-1)
	assert.Equal(t, [][]byte{frame(60, 1), frame(60, 3)}, f.sim.Sent())
}

func TestStats(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{})
	f.sim.SetCounters(devsim.Counters{
		FrameLenErr: 1,
		RxErr:       2,
		CRCErr:      3,
		LinkLost:    4,
		RxMemFull:   5,
		TxMemFull:   6,
		TxFrames:    70,
		RxFrames:    80,
	})

	st := f.dev.Stats()
	assert.Equal(t, uint64(80), st.RxPackets)
	assert.Equal(t, uint64(70), st.TxPackets)
	assert.Equal(t, uint64(1+5+3+2), st.RxErrors)
	assert.Equal(t, uint64(6), st.TxErrors)
	assert.Equal(t, uint64(1), st.RxLengthErrors)
	assert.Equal(t, uint64(5), st.RxOverErrors)
	assert.Equal(t, uint64(3), st.RxCRCErrors)
	assert.Equal(t, uint64(2), st.RxFrameErrors)
	assert.Equal(t, uint64(5), st.RxFIFOErrors)
	assert.Equal(t, uint64(4), st.LinkLost)
}

func TestOpenClose(t *testing.T) {
	f := attach(t, regmap.KindDMA, netdev.Config{PollInterval: time.Millisecond})

	require.NoError(t, f.dev.Open())
	require.NoError(t, f.dev.Open())

	f.sim.SetLink(true)
	require.Eventually(t, f.dev.Carrier, 5*time.Second, time.Millisecond)

	require.NoError(t, f.sim.InjectRx(frame(60, 1)))
	require.Eventually(t, func() bool { return len(f.stack.frames()) == 1 },
		5*time.Second, time.Millisecond)

	f.dev.Close()
	assert.True(t, f.stack.isPaused())

	// No tick runs after Close returned.
	f.sim.SetLink(false)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.dev.Carrier())
	f.dev.Close()

	require.NoError(t, f.dev.Open())
	require.Eventually(t, func() bool { return !f.dev.Carrier() }, 5*time.Second, time.Millisecond)
}

func TestCountersMonotonic(t *testing.T) {
	for _, kind := range []regmap.Kind{regmap.KindDMA, regmap.KindIOMem} {
		t.Run(kind.String(), func(t *testing.T) {
			f := attach(t, kind, netdev.Config{PollInterval: 50 * time.Microsecond})
			f.sim.SetLink(true)
			require.NoError(t, f.dev.Open())
			require.Eventually(t, f.dev.Carrier, 5*time.Second, time.Millisecond)

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					if err := f.dev.Submit(frame(64+i%64, byte(i))); errors.Is(err, netdev.ErrTxBusy) {
						f.sim.CompleteTx(-1)
					}
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					_ = f.sim.InjectRx(frame(64+i%64, byte(i)))
				}
			}()

			var last uint64
			var lastRx uint64
			for i := 0; i < 500; i++ {
				st := f.dev.Stats()
				require.GreaterOrEqual(t, st.TxBytes, last)
				require.GreaterOrEqual(t, st.RxBytes, lastRx)
				last, lastRx = st.TxBytes, st.RxBytes
				time.Sleep(100 * time.Microsecond)
			}
			close(stop)
			wg.Wait()
			f.dev.Close()

			assert.NotZero(t, last)
			for _, fr := range f.stack.frames() {
				require.True(t, bytes.Equal(fr, frame(len(fr), fr[0])), "corrupted frame")
			}
		})
	}
}
