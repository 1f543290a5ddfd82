//go:build linux

package afxdp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/xskfwd/idle"
)

var (
	ErrNoUMEM         = errors.New("forwarder requires a UMEM")
	ErrNoRxPath       = errors.New("forwarder requires Fill and RX rings")
	ErrTxWithoutCQ    = errors.New("TX ring requires a Completion ring")
	ErrFillTooSmall   = errors.New("Fill ring capacity must be >= UMEM chunk count")
	ErrShortFillGrant = errors.New("Fill ring did not grant a slot for every chunk")
	ErrFillOverflow   = errors.New("Fill ring has no room for a recycled frame")
)

// Verdict tells the Forwarder what to do with a frame after its Handler ran.
type Verdict int

const (
	// Recycle returns the frame's chunk to the Fill ring.
	Recycle Verdict = iota
	// Transmit queues the frame on the TX ring. The chunk returns to the
	// Fill ring once the kernel completes the transmission.
	Transmit
)

// Packet is a received frame handed to a Handler.
// Buf aliases UMEM and is only valid during the Handler call.
type Packet struct {
	Buf   []byte
	Addr  uint64
	Len   uint32
	Queue uint32
}

// Handler inspects and may modify a received frame in place.
type Handler func(p *Packet) Verdict

// Waker kicks the kernel when a ring is flagged with XDP_RING_NEED_WAKEUP.
type Waker interface {
	WakeRx() error
	WakeTx() error
}

// Waiter blocks until frames may be available on the RX ring
// or timeout expires.
type Waiter interface {
	Wait(timeout time.Duration) error
}

type ForwarderConfig struct {
	UMEM *UMEM
	// Fill is produced by the application and consumed by the kernel.
	Fill *Ring[uint64]
	// Rx is produced by the kernel and consumed by the application.
	Rx *Ring[Desc]
	// Tx and Completion are optional. Without them every frame is recycled.
	Tx         *Ring[Desc]
	Completion *Ring[uint64]
	// Waker is optional. Without it NeedsWakeup flags are ignored.
	Waker Waker
	// Handler is called for every received frame.
	// nil recycles every frame unchanged.
	Handler Handler
	// Idle is invoked for every empty poll round. nil busy-polls.
	Idle *idle.Backoff
	// Waiter is optional. Once Idle reached its longest sleep, empty rounds
	// block in Waiter for that duration instead of sleeping.
	Waiter Waiter
	// MaxFrames stops Run after this many frames. 0 means no bound.
	MaxFrames uint64
	// Queue is reported in Packet.Queue.
	Queue uint32
}

// ForwarderStats are counters of a Forwarder.
type ForwarderStats struct {
	Frames      uint64
	Bytes       uint64
	Transmitted uint64
	// Dropped counts frames the handler asked to transmit
	// that were recycled instead.
	Dropped   uint64
	Reclaimed uint64
}

// Forwarder drives the recycling loop between the Fill and RX rings
// (and optionally the TX and Completion rings) of one queue.
// Every chunk of the UMEM is always in exactly one place: the Fill, RX, TX
// or Completion ring, or in the hands of the Forwarder while it processes
// a frame.
//
// WARNING: Forwarder is not safe for concurrent use.
type Forwarder struct {
	umem    *UMEM
	fill    *Ring[uint64]
	rx      *Ring[Desc]
	tx      *Ring[Desc]
	cq      *Ring[uint64]
	waker   Waker
	waiter  Waiter
	handler Handler
	idle    *idle.Backoff
	max     uint64
	queue   uint32
	logger  *zap.Logger

	stats  ForwarderStats
	packet Packet
}

// NewForwarder validates conf and creates a Forwarder.
func NewForwarder(conf ForwarderConfig) (*Forwarder, error) {
	if conf.UMEM == nil {
		return nil, ErrNoUMEM
	}
	if conf.Fill == nil || conf.Rx == nil {
		return nil, ErrNoRxPath
	}
	if conf.Tx != nil && conf.Completion == nil {
		return nil, ErrTxWithoutCQ
	}
	if conf.Fill.Capacity() < conf.UMEM.ChunkCount() {
		return nil, fmt.Errorf("%w: %d < %d",
			ErrFillTooSmall, conf.Fill.Capacity(), conf.UMEM.ChunkCount())
	}
	return &Forwarder{
		umem:    conf.UMEM,
		fill:    conf.Fill,
		rx:      conf.Rx,
		tx:      conf.Tx,
		cq:      conf.Completion,
		waker:   conf.Waker,
		waiter:  conf.Waiter,
		handler: conf.Handler,
		idle:    conf.Idle,
		max:     conf.MaxFrames,
		queue:   conf.Queue,
		logger:  logger.With(zap.Uint32("queue", conf.Queue)),
	}, nil
}

// Stats returns a copy of the counters.
func (f *Forwarder) Stats() ForwarderStats { return f.stats }

// Prime hands every UMEM chunk to the kernel through the Fill ring
// in a single submission. A short grant is fatal since every chunk
// must start out in the Fill ring.
func (f *Forwarder) Prime() error {
	n := f.umem.ChunkCount()
	granted, start := f.fill.ProducerReserve(n)
	if granted != n {
		return fmt.Errorf("%w: granted %d of %d", ErrShortFillGrant, granted, n)
	}
	for i := range n {
		off := f.umem.ChunkOffset(i)
		f.fill.Set(start+i, off)
		if ce := f.logger.Check(zap.DebugLevel, "fill"); ce != nil {
			ce.Write(zap.Uint32("ring-index", start+i), zap.Uint64("addr", off))
		}
	}
	f.fill.ProducerSubmit(n)
	return nil
}

// Step performs one iteration: reclaims completed transmissions,
// then processes at most one received frame.
// processed is false if the RX ring was empty.
func (f *Forwarder) Step() (processed bool, err error) {
	if f.cq != nil {
		if err := f.reclaim(); err != nil {
			return false, err
		}
	}

	n, idx := f.rx.ConsumerReserve(1)
	if n == 0 {
		return false, nil
	}
	d := f.rx.Get(idx)

	buf, err := f.umem.Frame(d.Addr, d.Len)
	if err != nil {
		return false, fmt.Errorf("RX descriptor at index %d: %w", idx, err)
	}
	if ce := f.logger.Check(zap.DebugLevel, "rx"); ce != nil {
		ce.Write(zap.Uint64("addr", d.Addr), zap.Uint32("len", d.Len))
	}

	verdict := Recycle
	if f.handler != nil {
		f.packet = Packet{Buf: buf, Addr: d.Addr, Len: d.Len, Queue: f.queue}
		verdict = f.handler(&f.packet)
		f.packet.Buf = nil
	}

	f.rx.ConsumerRelease(1)
	f.stats.Frames++
	f.stats.Bytes += uint64(d.Len)

	if verdict == Transmit {
		if f.transmit(d) {
			return true, nil
		}
		f.stats.Dropped++
	}
	if err := f.recycle(d.Addr); err != nil {
		return true, err
	}
	return true, nil
}

// recycle puts the chunk containing addr back into the Fill ring.
// The total number of chunks is conserved, so a slot must be free.
func (f *Forwarder) recycle(addr uint64) error {
	granted, idx := f.fill.ProducerReserve(1)
	if granted != 1 {
		return ErrFillOverflow
	}
	f.fill.Set(idx, f.umem.ChunkBase(addr))
	f.fill.ProducerSubmit(1)
	return nil
}

func (f *Forwarder) transmit(d Desc) bool {
	if f.tx == nil {
		return false
	}
	granted, idx := f.tx.ProducerReserve(1)
	if granted != 1 {
		return false
	}
	f.tx.Set(idx, Desc{Addr: d.Addr, Len: d.Len})
	f.tx.ProducerSubmit(1)
	f.stats.Transmitted++

	if f.waker != nil && f.tx.NeedsWakeup() {
		if err := f.waker.WakeTx(); err != nil {
			f.logger.Warn("TX wakeup", zap.Error(err))
		}
	}
	return true
}

// reclaim moves completed TX chunks from the Completion ring to the Fill ring.
func (f *Forwarder) reclaim() error {
	n, idx := f.cq.ConsumerReserve(f.cq.Capacity())
	if n == 0 {
		return nil
	}
	granted, fillIdx := f.fill.ProducerReserve(n)
	if granted != n {
		return fmt.Errorf("%w: reclaiming %d completions, granted %d",
			ErrFillOverflow, n, granted)
	}
	for i := range n {
		f.fill.Set(fillIdx+i, f.umem.ChunkBase(f.cq.Get(idx+i)))
	}
	f.cq.ConsumerRelease(n)
	f.fill.ProducerSubmit(n)
	f.stats.Reclaimed += uint64(n)
	return nil
}

// Run calls Step until ctx is canceled, an error occurs,
// or MaxFrames frames were processed.
// Returns nil when the frame bound was reached and ctx.Err() when canceled.
// The calling goroutine is locked to its OS thread while Run is active.
func (f *Forwarder) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f.logger.Info("forwarder started", zap.Uint64("max-frames", f.max))
	defer func() {
		f.logger.Info("forwarder stopped",
			zap.Uint64("frames", f.stats.Frames),
			zap.Uint64("bytes", f.stats.Bytes),
			zap.Uint64("transmitted", f.stats.Transmitted),
			zap.Uint64("dropped", f.stats.Dropped),
		)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.max > 0 && f.stats.Frames >= f.max {
			return nil
		}

		processed, err := f.Step()
		if err != nil {
			return err
		}
		if processed {
			f.idle.Reset()
			continue
		}

		if f.waker != nil && f.fill.NeedsWakeup() {
			if err := f.waker.WakeRx(); err != nil {
				return fmt.Errorf("RX wakeup: %w", err)
			}
		}
		if f.waiter != nil && f.idle.Saturated() {
			if err := f.waiter.Wait(f.idle.CurrentSleep()); err != nil {
				return fmt.Errorf("RX wait: %w", err)
			}
			continue
		}
		f.idle.Idle()
	}
}
