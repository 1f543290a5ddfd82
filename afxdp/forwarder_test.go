//go:build linux

package afxdp

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/romshark/xskfwd/idle"
	"github.com/romshark/xskfwd/internal/testenv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeKernel plays the kernel side of the rings: it consumes the Fill and
// TX rings and produces into the RX and Completion rings.
type fakeKernel struct {
	umem *UMEM
	fill *Ring[uint64]
	rx   *Ring[Desc]
	tx   *Ring[Desc]
	cq   *Ring[uint64]

	fillMem *ringMemory[uint64]
}

type testRig struct {
	kernel *fakeKernel
	conf   ForwarderConfig
}

func newTestRig(t *testing.T, chunks, chunkSize uint32, withTx bool) *testRig {
	umem, err := NewUMEM(chunks, chunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { umem.Close() })

	fillMem := newRingMemory[uint64](int(chunks))
	rxMem := newRingMemory[Desc](int(chunks))

	rig := &testRig{
		kernel: &fakeKernel{
			umem:    umem,
			fill:    fillMem.view(t),
			rx:      rxMem.view(t),
			fillMem: fillMem,
		},
		conf: ForwarderConfig{
			UMEM: umem,
			Fill: fillMem.view(t),
			Rx:   rxMem.view(t),
		},
	}
	if withTx {
		txMem := newRingMemory[Desc](int(chunks))
		cqMem := newRingMemory[uint64](int(chunks))
		rig.kernel.tx, rig.kernel.cq = txMem.view(t), cqMem.view(t)
		rig.conf.Tx, rig.conf.Completion = txMem.view(t), cqMem.view(t)
	}
	return rig
}

// deliver takes one chunk from the Fill ring, writes payload into it at
// headroom and publishes it on the RX ring.
func (k *fakeKernel) deliver(payload []byte, headroom uint32) bool {
	n, idx := k.fill.ConsumerReserve(1)
	if n == 0 {
		return false
	}
	addr := k.fill.Get(idx) + uint64(headroom)
	k.fill.ConsumerRelease(1)

	buf, err := k.umem.Frame(addr, uint32(len(payload)))
	if err != nil {
		panic(err)
	}
	copy(buf, payload)

	granted, ridx := k.rx.ProducerReserve(1)
	if granted != 1 {
		panic("fake kernel: RX ring full")
	}
	k.rx.Set(ridx, Desc{Addr: addr, Len: uint32(len(payload))})
	k.rx.ProducerSubmit(1)
	return true
}

// complete moves every pending TX descriptor to the Completion ring.
func (k *fakeKernel) complete() (sent []Desc) {
	n, idx := k.tx.ConsumerReserve(k.tx.Capacity())
	if n == 0 {
		return nil
	}
	granted, cidx := k.cq.ProducerReserve(n)
	if granted != n {
		panic("fake kernel: Completion ring full")
	}
	for i := range n {
		d := k.tx.Get(idx + i)
		sent = append(sent, d)
		k.cq.Set(cidx+i, d.Addr)
	}
	k.tx.ConsumerRelease(n)
	k.cq.ProducerSubmit(n)
	return sent
}

// peekFill returns every offset currently in the Fill ring
// without consuming them.
func (k *fakeKernel) peekFill() []uint64 {
	var out []uint64
	n := k.fill.Len()
	start := k.fillMem.cons
	for i := range n {
		out = append(out, k.fillMem.slots[(start+i)%uint32(len(k.fillMem.slots))])
	}
	return out
}

func chunkOffsets(u *UMEM) []uint64 {
	var out []uint64
	for i := range u.ChunkCount() {
		out = append(out, u.ChunkOffset(i))
	}
	return out
}

func frame(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestNewForwarderValidation(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 16, 2048, false)

	_, err := NewForwarder(ForwarderConfig{Fill: rig.conf.Fill, Rx: rig.conf.Rx})
	assert.ErrorIs(err, ErrNoUMEM)

	_, err = NewForwarder(ForwarderConfig{UMEM: rig.conf.UMEM, Rx: rig.conf.Rx})
	assert.ErrorIs(err, ErrNoRxPath)

	conf := rig.conf
	conf.Tx = rig.conf.Rx
	_, err = NewForwarder(conf)
	assert.ErrorIs(err, ErrTxWithoutCQ)

	small := newRingMemory[uint64](8)
	conf = rig.conf
	conf.Fill = small.view(t)
	_, err = NewForwarder(conf)
	assert.ErrorIs(err, ErrFillTooSmall)

	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	assert.NotNil(f)
}

func TestForwarderPrimeShortGrant(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 16, 2048, false)

	// One slot is already taken by a stale entry.
	granted, idx := rig.conf.Fill.ProducerReserve(1)
	require.Equal(uint32(1), granted)
	rig.conf.Fill.Set(idx, 0)
	rig.conf.Fill.ProducerSubmit(1)

	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	assert.ErrorIs(f.Prime(), ErrShortFillGrant)
}

// TestForwarderRecyclesEveryChunk primes 16 chunks of 16 KiB, receives 16
// frames and checks that the Fill ring ends up holding each original
// offset exactly once.
func TestForwarderRecyclesEveryChunk(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	const chunks = 16
	rig := newTestRig(t, chunks, 16384, false)
	k := rig.kernel

	var seen []uint64
	rig.conf.Handler = func(p *Packet) Verdict {
		seen = append(seen, p.Addr)
		clear(p.Buf)
		return Recycle
	}
	f, err := NewForwarder(rig.conf)
	require.NoError(err)

	require.NoError(f.Prime())
	assert.Equal(uint32(chunks), k.fill.Len())
	assert.ElementsMatch(chunkOffsets(k.umem), k.peekFill())

	for i := range chunks {
		require.True(k.deliver(frame(100+i, 0xEE), 0))

		// Conservation: Fill + RX + held == chunks.
		assert.Equal(uint32(chunks), k.fill.Len()+k.rx.Len())

		processed, err := f.Step()
		require.NoError(err)
		require.True(processed)
		assert.Equal(uint32(chunks), k.fill.Len()+k.rx.Len())
	}

	processed, err := f.Step()
	require.NoError(err)
	assert.False(processed, "RX ring is empty")

	offsets := k.peekFill()
	assert.Len(offsets, chunks)
	assert.ElementsMatch(chunkOffsets(k.umem), offsets)
	assert.ElementsMatch(chunkOffsets(k.umem), seen)

	for i := range uint32(chunks) {
		assert.Equal(frame(16384, 0), k.umem.Chunk(i), "chunk %d erased", i)
	}

	stats := f.Stats()
	assert.Equal(uint64(chunks), stats.Frames)
	assert.Zero(stats.Dropped)
}

func TestForwarderRecyclesChunkBase(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 4, 4096, false)
	k := rig.kernel

	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	for range 4 {
		require.True(k.deliver(frame(64, 1), 256))
	}
	for range 4 {
		processed, err := f.Step()
		require.NoError(err)
		require.True(processed)
	}
	assert.ElementsMatch(chunkOffsets(k.umem), k.peekFill())
}

func TestForwarderDeliverAllThenDrain(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 8, 2048, false)
	k := rig.kernel

	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	for range 8 {
		require.True(k.deliver(frame(60, 2), 0))
	}
	assert.False(k.deliver(frame(60, 2), 0), "Fill ring is exhausted")
	assert.Equal(uint32(8), k.rx.Len())

	for range 8 {
		_, err := f.Step()
		require.NoError(err)
	}
	assert.Equal(uint32(8), k.fill.Len())
	assert.Zero(k.rx.Len())
}

func TestForwarderTransmitAndReclaim(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	const chunks = 8
	rig := newTestRig(t, chunks, 2048, true)
	k := rig.kernel

	rig.conf.Handler = func(p *Packet) Verdict {
		p.Buf[0] = 0x42
		return Transmit
	}
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	for range chunks {
		require.True(k.deliver(frame(80, 7), 0))
		_, err := f.Step()
		require.NoError(err)
	}
	assert.Zero(k.fill.Len(), "every chunk is queued for TX")
	assert.Equal(uint32(chunks), k.tx.Len())

	sent := k.complete()
	require.Len(sent, chunks)
	for _, d := range sent {
		buf, err := k.umem.Frame(d.Addr, d.Len)
		require.NoError(err)
		assert.Equal(byte(0x42), buf[0])
		assert.Equal(uint32(80), d.Len)
	}

	processed, err := f.Step()
	require.NoError(err)
	assert.False(processed)
	assert.Equal(uint32(chunks), k.fill.Len())
	assert.ElementsMatch(chunkOffsets(k.umem), k.peekFill())

	stats := f.Stats()
	assert.Equal(uint64(chunks), stats.Transmitted)
	assert.Equal(uint64(chunks), stats.Reclaimed)
}

func TestForwarderTransmitWithoutTxDrops(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 4, 2048, false)
	k := rig.kernel

	rig.conf.Handler = func(p *Packet) Verdict { return Transmit }
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	require.True(k.deliver(frame(60, 1), 0))
	_, err = f.Step()
	require.NoError(err)

	assert.Equal(uint32(4), k.fill.Len())
	assert.Equal(uint64(1), f.Stats().Dropped)
}

func TestForwarderOutOfBoundsDescriptor(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 4, 2048, false)
	k := rig.kernel

	f, err := NewForwarder(rig.conf)
	require.NoError(err)

	granted, idx := k.rx.ProducerReserve(1)
	require.Equal(uint32(1), granted)
	k.rx.Set(idx, Desc{Addr: k.umem.Size() - 10, Len: 100})
	k.rx.ProducerSubmit(1)

	_, err = f.Step()
	assert.ErrorIs(err, ErrOutOfBounds)
}

func TestForwarderRunMaxFrames(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	const chunks, total = 16, 1000
	rig := newTestRig(t, chunks, 2048, false)
	k := rig.kernel

	rig.conf.MaxFrames = total
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered atomic.Uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil && delivered.Load() < total {
			if k.deliver(frame(60, 3), 0) {
				delivered.Add(1)
			}
		}
	}()

	require.NoError(f.Run(ctx))
	<-done

	assert.Equal(uint64(total), f.Stats().Frames)
	assert.Equal(uint64(total), delivered.Load())
	assert.Equal(uint32(chunks), k.fill.Len())
	assert.ElementsMatch(chunkOffsets(k.umem), k.peekFill())
}

type countingWaker struct {
	rx, tx atomic.Int32
	cancel context.CancelFunc
}

func (w *countingWaker) WakeRx() error {
	if w.rx.Add(1) == 3 {
		w.cancel()
	}
	return nil
}

func (w *countingWaker) WakeTx() error {
	w.tx.Add(1)
	return nil
}

func TestForwarderRunCanceledWakesRx(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 4, 2048, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &countingWaker{cancel: cancel}
	rig.conf.Waker = w
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	rig.kernel.fillMem.flags = ringNeedWakeup

	err = f.Run(ctx)
	assert.True(errors.Is(err, context.Canceled))
	assert.Equal(int32(3), w.rx.Load())
	assert.Zero(f.Stats().Frames)
}

type fakeWaiter struct {
	timeouts []time.Duration
	onWait   func(n int)
}

func (w *fakeWaiter) Wait(timeout time.Duration) error {
	w.timeouts = append(w.timeouts, timeout)
	w.onWait(len(w.timeouts))
	return nil
}

func TestForwarderRunBlocksWhenIdleSaturated(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 4, 2048, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &fakeWaiter{}
	w.onWait = func(n int) {
		switch n {
		case 1:
			require.True(rig.kernel.deliver(frame(64, 0xAB), 0))
		case 2:
			cancel()
		}
	}
	rig.conf.Idle = idle.New(2, 2*time.Microsecond)
	rig.conf.Waiter = w
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	err = f.Run(ctx)
	assert.ErrorIs(err, context.Canceled)
	assert.Equal(uint64(1), f.Stats().Frames)
	assert.Equal([]time.Duration{2 * time.Microsecond, 2 * time.Microsecond}, w.timeouts)
}

type failingWaiter struct{}

func (failingWaiter) Wait(time.Duration) error { return errors.New("poll failed") }

func TestForwarderRunWaitError(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 2, 2048, false)

	rig.conf.Idle = idle.New(0, time.Microsecond)
	rig.conf.Waiter = failingWaiter{}
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	assert.ErrorContains(f.Run(context.Background()), "RX wait: poll failed")
}

func TestForwarderHandlerSeesQueueAndLength(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	rig := newTestRig(t, 2, 2048, false)
	k := rig.kernel

	var got []Packet
	rig.conf.Queue = 3
	rig.conf.Handler = func(p *Packet) Verdict {
		got = append(got, Packet{Addr: p.Addr, Len: p.Len, Queue: p.Queue, Buf: slices.Clone(p.Buf)})
		return Recycle
	}
	f, err := NewForwarder(rig.conf)
	require.NoError(err)
	require.NoError(f.Prime())

	require.True(k.deliver([]byte{1, 2, 3}, 0))
	_, err = f.Step()
	require.NoError(err)

	require.Len(got, 1)
	assert.Equal(uint32(3), got[0].Queue)
	assert.Equal(uint32(3), got[0].Len)
	assert.Equal([]byte{1, 2, 3}, got[0].Buf)
}
