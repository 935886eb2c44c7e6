package dma_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/framering/devsim"
	"github.com/romshark/framering/dma"
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/regmap"
)

func TestRegistry(t *testing.T) {
	r := dma.NewRegistry(4)

	require.NoError(t, r.Reserve(1, "eth0"))
	assert.Equal(t, 1, r.InUse())

	err := r.Reserve(1, "eth1")
	assert.True(t, errors.Is(err, dma.ErrChannelBusy))
	assert.Contains(t, err.Error(), "eth0")

	assert.True(t, errors.Is(r.Reserve(4, "eth1"), dma.ErrChannelInvalid))
	assert.True(t, errors.Is(r.Reserve(-1, "eth1"), dma.ErrChannelInvalid))

	r.Release(1)
	r.Release(1)
	r.Release(99)
	assert.Zero(t, r.InUse())
	require.NoError(t, r.Reserve(1, "eth1"))
}

func TestOpen(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)

	ch, err := dma.Open(sim.BAR2(), 0, sim.Allocator(), registry, "eth0")
	require.NoError(t, err)
	assert.Equal(t, 0, ch.Number())
	assert.Equal(t, uintptr(devsim.DefaultDMAWindow), ch.Window().Size())
	assert.Zero(t, ch.Translated()%devsim.DefaultDMAWindow)
	assert.Equal(t, 1, registry.InUse())
	assert.Equal(t, 1, sim.Allocator().Live())

	off := dma.ConfigOffset(0)
	assert.Equal(t, uint32(ch.Translated()), sim.BAR2().Read32(off))
	assert.Equal(t, uint32(ch.Translated()>>32), sim.BAR2().Read32(off+4))

	require.NoError(t, ch.Close())
	assert.Zero(t, registry.InUse())
	assert.Zero(t, sim.Allocator().Live())
	require.NoError(t, ch.Close())
}

func TestOpenAbove4GiB(t *testing.T) {
	const phys = 0x1_2000_0000
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA, PhysBase: phys})
	registry := dma.NewRegistry(0)

	ch, err := dma.Open(sim.BAR2(), 0, sim.Allocator(), registry, "eth0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ch.Translated()>>32)
	assert.GreaterOrEqual(t, ch.Translated(), uint64(phys))
	assert.Zero(t, ch.Translated()%devsim.DefaultDMAWindow)
	assert.Equal(t, uintptr(devsim.DefaultDMAWindow), ch.Window().Size())

	off := dma.ConfigOffset(0)
	assert.Equal(t, uint32(ch.Translated()), sim.BAR2().Read32(off))
	assert.Equal(t, uint32(1), sim.BAR2().Read32(off+4))
	require.NoError(t, ch.Close())
}

// skewed hands out buffers at an address that is not page aligned.
type skewed struct{ live int }

func (s *skewed) Alloc(size int) (dma.Buffer, error) {
	s.live++
	return dma.Buffer{Mem: make([]byte, size), Phys: 0x10000800}, nil
}

func (s *skewed) Free(dma.Buffer) error {
	s.live--
	return nil
}

func TestOpenWindowOutsideBuffer(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	alloc := &skewed{}

	_, err := dma.Open(sim.BAR2(), 0, alloc, registry, "eth0")
	require.Error(t, err)
	assert.Zero(t, registry.InUse())
	assert.Zero(t, alloc.live)
}

func TestOpenBusy(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	require.NoError(t, registry.Reserve(3, "other"))

	_, err := dma.Open(sim.BAR2(), 3, sim.Allocator(), registry, "eth0")
	assert.True(t, errors.Is(err, dma.ErrChannelBusy))
	assert.Zero(t, sim.Allocator().Live())
}

func TestOpenAllocFailure(t *testing.T) {
	sim := devsim.New(devsim.Config{Kind: regmap.KindDMA})
	registry := dma.NewRegistry(0)
	boom := errors.New("no hugepages")
	sim.Allocator().FailWith(boom)

	_, err := dma.Open(sim.BAR2(), 0, sim.Allocator(), registry, "eth0")
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, registry.InUse())
}

func TestOpenNoWindow(t *testing.T) {
	bar2, err := mmio.NewRegion(make([]byte, 0x2000))
	require.NoError(t, err)

	_, err = dma.Open(&zeroBus{bar2}, 0, devsim.NewAllocator(), dma.NewRegistry(0), "eth0")
	assert.True(t, errors.Is(err, dma.ErrNoWindow))
}

func TestOpenChannelOutOfBar(t *testing.T) {
	bar2, err := mmio.NewRegion(make([]byte, dma.ConfigBase))
	require.NoError(t, err)
	_, err = dma.Open(bar2, 0, devsim.NewAllocator(), dma.NewRegistry(0), "eth0")
	assert.True(t, errors.Is(err, dma.ErrChannelInvalid))
}

// zeroBus drops register writes, so the sizing probe reads back zero.
type zeroBus struct{ *mmio.Region }

func (zeroBus) Write32(uintptr, uint32) {}
