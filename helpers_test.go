package micdma_test

import (
	"io"
	"testing"
	"time"

	"github.com/DerLukas15/micdma"
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/DerLukas15/micdma/simdev"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type rigOptions struct {
	family   micdma.Family
	stepping micdma.Stepping
	side     micdma.Owner
	// wrap replaces the device handed to the manager
	wrap func(*simdev.Device) micdma.Device
	cfg  func(*micdma.Config)
}

type rig struct {
	heap *ringmem.Heap
	dev  *simdev.Device
	cfg  *micdma.Config
	mgr  *micdma.Manager
	dc   *micdma.Context
}

// pollingDevice hides the interrupt source of the wrapped device
type pollingDevice struct {
	micdma.Device
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRig(t *testing.T, o rigOptions) *rig {
	if o.family == micdma.FamilyUnknown {
		o.family, o.stepping = micdma.FamilyKNC, micdma.SteppingB0
	}
	// host unless asked for the card side
	if o.side == 0 {
		o.side = micdma.OwnerHost
	}
	heap := ringmem.NewHeap()
	cfg, err := micdma.NewConfig(o.side)
	require.NoError(t, err)
	require.NoError(t, cfg.SetAllocator(heap))
	require.NoError(t, cfg.SetTimeout(2*time.Second))
	require.NoError(t, cfg.SetPollInterval(50*time.Microsecond))
	require.NoError(t, cfg.SetDescRingSize(64))
	require.NoError(t, cfg.SetPollRingSize(16))
	require.NoError(t, cfg.SetIntrRingSize(16))
	require.NoError(t, cfg.SetMaxTransferSize(4096))
	require.NoError(t, cfg.SetFenceDelay(0))
	require.NoError(t, cfg.SetLogger(quietLogger()))
	if o.cfg != nil {
		o.cfg(cfg)
	}

	r := &rig{heap: heap, dev: simdev.New(heap, o.family, o.stepping), cfg: cfg}
	r.mgr, err = micdma.NewManager(cfg)
	require.NoError(t, err)

	var dev micdma.Device = r.dev
	if o.wrap != nil {
		dev = o.wrap(r.dev)
	}
	r.dc, err = r.mgr.Open(0, dev)
	require.NoError(t, err)

	t.Cleanup(func() {
		for i := 0; i < micdma.MaxChannels; i++ {
			r.dev.SetDelay(i, 0)
			r.dev.Unstall(i)
		}
		for r.mgr.Refs(0) > 0 {
			r.mgr.Close(r.dc)
		}
	})
	return r
}

// buffer allocates n bytes of device reachable memory filled with a pattern derived from seed
func (r *rig) buffer(t *testing.T, n int, seed byte) ringmem.Mem {
	m, err := r.heap.Alloc(n)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	for i := range m.Buf() {
		m.Buf()[i] = seed + byte(i%251)
	}
	return m
}

func (r *rig) counter(name string) int64 {
	c, ok := r.dc.Metrics().Get(name).(metrics.Counter)
	if !ok {
		return -1
	}
	return c.Count()
}
