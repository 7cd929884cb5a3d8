package micdma_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DerLukas15/micdma"
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/DerLukas15/micdma/simdev"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestContext_Channels(t *testing.T) {
	r := newRig(t, rigOptions{})
	assert.Equal(t, 0, r.dc.DeviceNum())
	assert.Equal(t, micdma.QuirksFor(micdma.FamilyKNC, micdma.SteppingB0), r.dc.Quirks())

	chans := r.dc.Channels()
	require.Len(t, chans, micdma.MaxChannels)
	for i, ch := range chans {
		assert.Equal(t, i, ch.Number())
		if i <= micdma.LastHostChannel {
			assert.Equal(t, micdma.OwnerHost, ch.Owner())
			assert.True(t, ch.Initialized())
			assert.False(t, ch.InUse())
			assert.Equal(t, uint32(64), ch.DescRing().Size())
		} else {
			assert.Equal(t, micdma.OwnerCard, ch.Owner())
			assert.False(t, ch.Initialized())
			assert.True(t, ch.InUse())
		}
	}
}

func TestContext_CardSide(t *testing.T) {
	r := newRig(t, rigOptions{side: micdma.OwnerCard})
	_, err := r.dc.ReserveChannel(0)
	assert.True(t, errors.Is(err, micdma.ErrNotOwned))

	ch, err := r.dc.AllocateChannel()
	require.NoError(t, err)
	assert.Equal(t, micdma.LastHostChannel+1, ch.Number())
	ch.Free()
	require.NoError(t, r.dc.DrainGlobal(context.Background()))
}

func TestContext_ReserveChannel(t *testing.T) {
	r := newRig(t, rigOptions{})
	ch, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)
	assert.True(t, ch.InUse())

	_, err = r.dc.ReserveChannel(0)
	assert.True(t, errors.Is(err, micdma.ErrBusy))
	_, err = r.dc.ReserveChannel(micdma.MaxChannels)
	assert.True(t, errors.Is(err, micdma.ErrWrongChannel))
	_, err = r.dc.ReserveChannel(-1)
	assert.True(t, errors.Is(err, micdma.ErrWrongChannel))
	_, err = r.dc.ReserveChannel(micdma.LastHostChannel + 1)
	assert.True(t, errors.Is(err, micdma.ErrNotOwned))

	ch.Free()
	assert.False(t, ch.InUse())
	assert.Panics(t, func() { ch.Free() })
}

func TestContext_AllocateChannelRoundRobin(t *testing.T) {
	r := newRig(t, rigOptions{})
	ch0, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)

	var got []int
	for i := 0; i < 3; i++ {
		ch, err := r.dc.AllocateChannel()
		require.NoError(t, err)
		got = append(got, ch.Number())
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	_, err = r.dc.AllocateChannel()
	assert.True(t, errors.Is(err, micdma.ErrBusy))

	// the scan continues after the channel allocated last
	r.dc.Channels()[1].Free()
	ch0.Free()
	ch, err := r.dc.AllocateChannel()
	require.NoError(t, err)
	assert.Equal(t, 0, ch.Number())
	ch, err = r.dc.AllocateChannel()
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Number())

	for i := 0; i <= micdma.LastHostChannel; i++ {
		r.dc.Channels()[i].Free()
	}
}

func TestChannel_Request(t *testing.T) {
	r := newRig(t, rigOptions{})
	ch, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)

	time.AfterFunc(10*time.Millisecond, ch.Free)
	require.NoError(t, ch.Request(context.Background()))
	assert.True(t, ch.InUse())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ch.Request(ctx)
	assert.True(t, errors.Is(err, micdma.ErrInterrupted))
	ch.Free()
}

func TestChannel_RequestTimeout(t *testing.T) {
	r := newRig(t, rigOptions{cfg: func(c *micdma.Config) { c.SetTimeout(20 * time.Millisecond) }})
	ch, err := r.dc.ReserveChannel(2)
	require.NoError(t, err)
	defer ch.Free()

	err = ch.Request(context.Background())
	assert.True(t, errors.Is(err, micdma.ErrBusy))
	assert.Equal(t, int64(1), r.counter("micdma.dev0.ch2.timeouts"))
}

func TestChannel_RequestOtherSide(t *testing.T) {
	r := newRig(t, rigOptions{})
	ch := r.dc.Channels()[micdma.LastHostChannel+1]
	start := time.Now()
	err := ch.Request(context.Background())
	assert.True(t, errors.Is(err, micdma.ErrNotOwned))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, r.counter("micdma.dev0.ch4.timeouts"))
}

func TestChannel_RequestExclusive(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := context.Background()
	ch := r.dc.Channels()[0]
	src := r.buffer(t, 4096, 9)

	var holders atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		dst := r.buffer(t, 4096, byte(i))
		g.Go(func() error {
			if err := ch.Request(ctx); err != nil {
				return err
			}
			if holders.Add(1) != 1 {
				return errors.New("channel held twice")
			}
			cookie, err := ch.Submit(ctx, micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), 4096, nil)
			holders.Add(-1)
			ch.Free()
			if err != nil {
				return err
			}
			if err := ch.WaitPoll(ctx, cookie); err != nil {
				return err
			}
			if !bytes.Equal(src.Buf(), dst.Buf()) {
				return errors.New("copy mismatch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(8), r.counter("micdma.dev0.ch0.submits"))
}

func TestContext_LowPower(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := context.Background()
	src := r.buffer(t, 4096, 1)
	dst := r.buffer(t, 4096, 2)

	ch, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)
	cookie, err := ch.Submit(ctx, micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), 4096, nil)
	require.NoError(t, err)
	require.NoError(t, ch.WaitPoll(ctx, cookie))
	assert.Equal(t, uint32(2), ch.NextWriteIndex())

	r.dc.PrepareLowPower()
	assert.Zero(t, ch.NextWriteIndex())
	require.NoError(t, r.dc.ResumeLowPower())
	assert.Equal(t, ch.DescRing().Phys(), r.dev.DescRingPhys(0))
	assert.Zero(t, r.dev.ReadHead(0))

	copy(src.Buf(), bytes.Repeat([]byte{0x42}, 4096))
	cookie, err = ch.Submit(ctx, micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), 4096, nil)
	require.NoError(t, err)
	ch.Free()
	require.NoError(t, ch.WaitPoll(ctx, cookie))
	assert.Equal(t, src.Buf(), dst.Buf())
}

func TestContext_Dump(t *testing.T) {
	r := newRig(t, rigOptions{})
	src := r.buffer(t, 64, 1)
	dst := r.buffer(t, 64, 2)

	ch, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)
	r.dev.Stall(0)
	_, err = ch.Submit(context.Background(), micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), 64, nil)
	require.NoError(t, err)
	ch.Free()

	var buf bytes.Buffer
	require.NoError(t, r.dc.Dump(&buf))
	out := buf.String()
	for _, want := range []string{
		"Intr rings", "Poll rings", "Next_Write_Index", "DMA Channel Registers", "DCHERR",
		"DMA Channel Descriptor Rings", "Channel 0: [ {Type: MEMCOPY", "{Type: STATUS",
		"Channel 1: [ ]",
	} {
		assert.Contains(t, out, want)
	}
}

func TestManager_OpenClose(t *testing.T) {
	heap := ringmem.NewHeap()
	cfg, err := micdma.NewConfig(micdma.OwnerHost)
	require.NoError(t, err)
	require.NoError(t, cfg.SetAllocator(heap))
	require.NoError(t, cfg.SetDescRingSize(16))
	require.NoError(t, cfg.SetPollRingSize(8))
	require.NoError(t, cfg.SetIntrRingSize(8))
	require.NoError(t, cfg.SetFenceDelay(0))
	require.NoError(t, cfg.SetMaxDevices(2))
	require.NoError(t, cfg.SetLogger(quietLogger()))
	mgr, err := micdma.NewManager(cfg)
	require.NoError(t, err)
	dev := simdev.New(heap, micdma.FamilyKNC, micdma.SteppingA0)

	_, err = mgr.Open(2, dev)
	assert.True(t, errors.Is(err, micdma.ErrWrongDevice))
	_, err = mgr.Open(1, nil)
	assert.True(t, errors.Is(err, micdma.ErrNoDevice))
	assert.True(t, errors.Is(mgr.Close(nil), micdma.ErrInvalid))

	dc, err := mgr.Open(0, dev)
	require.NoError(t, err)
	assert.True(t, dev.Initialized())
	assert.NotZero(t, heap.Regions())
	again, err := mgr.Open(0, nil)
	require.NoError(t, err)
	assert.Same(t, dc, again)
	assert.Equal(t, 2, mgr.Refs(0))
	assert.True(t, errors.Is(cfg.SetTimeout(time.Second), micdma.ErrConfigOpen))

	require.NoError(t, mgr.Close(dc))
	assert.Equal(t, 1, mgr.Refs(0))
	assert.True(t, dev.Initialized())

	require.NoError(t, mgr.Close(dc))
	assert.Zero(t, mgr.Refs(0))
	assert.False(t, dev.Initialized())
	assert.Zero(t, heap.Regions())
	assert.True(t, errors.Is(mgr.Close(dc), micdma.ErrWrongDevice))
	assert.NoError(t, cfg.SetTimeout(time.Second))

	// a closed device can be opened again
	dc, err = mgr.Open(0, dev)
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Refs(0))
	require.NoError(t, mgr.Close(dc))
}

func TestManager_CloseWhileChannelHeld(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := newRig(t, rigOptions{cfg: func(c *micdma.Config) {
		c.SetTimeout(20 * time.Millisecond)
		c.SetLogger(logger)
	}})
	ctx := context.Background()
	src := r.buffer(t, 64, 1)
	dst := r.buffer(t, 64, 2)

	ch, err := r.dc.ReserveChannel(0)
	require.NoError(t, err)
	// the holder keeps submitting until the channel goes away under it
	errs := make(chan error, 1)
	go func() {
		for {
			if _, err := ch.Submit(ctx, 0, src.PhysAddr(), dst.PhysAddr(), 64, nil); err != nil {
				errs <- err
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.mgr.Close(r.dc))
	err = <-errs
	assert.True(t, errors.Is(err, micdma.ErrNoDevice), "%v", err)
	assert.False(t, ch.Initialized())
	assert.Nil(t, ch.DescRing())

	_, err = ch.Submit(ctx, micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), 64, nil)
	assert.True(t, errors.Is(err, micdma.ErrNoDevice))
	assert.True(t, errors.Is(ch.StatusUpdate(ctx, dst.PhysAddr(), 1), micdma.ErrNoDevice))
	_, err = ch.PlaceMark(ctx)
	assert.True(t, errors.Is(err, micdma.ErrNoDevice))

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Message == "request at close failed" && e.Data["chan"] == 0 {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestManager_DefaultConfig(t *testing.T) {
	mgr, err := micdma.NewManager(nil)
	require.NoError(t, err)
	assert.Zero(t, mgr.Refs(0))
}
