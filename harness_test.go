package virtq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ewellbach/go-virtq/dma"
)

const testArenaSize = 1 << 20

func newTestAlloc(t *testing.T) *dma.Allocator {
	t.Helper()
	alloc, err := dma.New(testArenaSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close() })
	return alloc
}

type splitHarness struct {
	vq    *SplitVq
	dev   *SimSplitDevice
	trans *MockTransport
	alloc *dma.Allocator
}

func newSplitHarness(t *testing.T, size uint16, feats Features) *splitHarness {
	t.Helper()
	alloc := newTestAlloc(t)
	trans := NewMockTransport(alloc, 4)

	vq, err := NewSplitVq(Config{
		ComCfg:   trans,
		NotifCfg: trans,
		Size:     size,
		Index:    0,
		Features: feats,
		Alloc:    alloc,
	})
	require.NoError(t, err)

	return &splitHarness{
		vq:    vq,
		dev:   NewSimSplitDevice(trans, 0),
		trans: trans,
		alloc: alloc,
	}
}

type packedHarness struct {
	vq    *PackedVq
	dev   *SimPackedDevice
	trans *MockTransport
	alloc *dma.Allocator
}

func newPackedHarness(t *testing.T, size uint16, feats Features) *packedHarness {
	t.Helper()
	alloc := newTestAlloc(t)
	trans := NewMockTransport(alloc, 4)

	vq, err := NewPackedVq(Config{
		ComCfg:   trans,
		NotifCfg: trans,
		Size:     size,
		Index:    0,
		Features: feats,
		Alloc:    alloc,
	})
	require.NoError(t, err)

	return &packedHarness{
		vq:    vq,
		dev:   NewSimPackedDevice(trans, 0),
		trans: trans,
		alloc: alloc,
	}
}
