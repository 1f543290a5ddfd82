package afxdp

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrRingSizeNotPowerOfTwo = errors.New("ring size must be a non-zero power of two")
	ErrRingNilIndex          = errors.New("ring producer and consumer indices must be set")
)

// ringNeedWakeup is XDP_RING_NEED_WAKEUP from linux/if_xdp.h.
const ringNeedWakeup = 1

// Desc is a frame descriptor exchanged through RX and TX rings.
// It mirrors struct xdp_desc from linux/if_xdp.h.
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
//
// A Desc is a view into the UMEM, it never owns the bytes it references.
type Desc struct {
	// Addr is the UMEM-relative offset of the first frame byte.
	Addr uint64
	// Len is the frame length in bytes.
	Len  uint32
	Opts uint32
}

// Ring is one side's view of a single-producer/single-consumer ring
// shared with another agent (usually the kernel) through memory.
// Fill and Completion rings carry uint64 UMEM offsets,
// RX and TX rings carry Desc.
//
// The producer only ever moves the producer index and the consumer only
// ever moves the consumer index. Both sides keep cached copies of the
// opposite index to reduce atomic traffic, same as libxdp's xsk_ring_prod
// and xsk_ring_cons.
//
// WARNING: Ring is not safe for concurrent use. Use one Ring per side.
type Ring[T any] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	slots      []T
}

// NewRing creates a ring view over shared indices and slots.
// flags may be nil when the ring has no flags word.
func NewRing[T any](prod, cons, flags *uint32, slots []T) (*Ring[T], error) {
	if prod == nil || cons == nil {
		return nil, ErrRingNilIndex
	}
	size := uint32(len(slots))
	if size == 0 || size&(size-1) != 0 || len(slots) != int(size) {
		return nil, fmt.Errorf("%w: got %d", ErrRingSizeNotPowerOfTwo, len(slots))
	}
	return &Ring[T]{
		cachedProd: atomic.LoadUint32(prod),
		cachedCons: atomic.LoadUint32(cons),
		mask:       size - 1,
		size:       size,
		prod:       prod,
		cons:       cons,
		flags:      flags,
		slots:      slots,
	}, nil
}

// Capacity returns the number of slots in the ring.
func (r *Ring[T]) Capacity() uint32 { return r.size }

// Len returns the number of entries published by the producer and not yet
// released by the consumer, as currently visible in shared memory.
func (r *Ring[T]) Len() uint32 {
	cons := atomic.LoadUint32(r.cons)
	return atomic.LoadUint32(r.prod) - cons
}

// NeedsWakeup reports whether the kernel asked to be woken up
// before it will make progress on this ring.
func (r *Ring[T]) NeedsWakeup() bool {
	return r.flags != nil && atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

// ProducerReserve grants up to n free slots starting at index start.
// granted may be lower than n (or 0) when the ring is (nearly) full;
// requests larger than the ring capacity are capped to it.
// Reserving again before ProducerSubmit returns the same start index.
func (r *Ring[T]) ProducerReserve(n uint32) (granted, start uint32) {
	n = min(n, r.size)
	free := r.size - (r.cachedProd - r.cachedCons)
	if free < n {
		r.cachedCons = atomic.LoadUint32(r.cons)
		free = r.size - (r.cachedProd - r.cachedCons)
	}
	return min(n, free), r.cachedProd
}

// Set writes v into the slot at idx.
// idx must come from a prior reserve and must not be submitted yet.
func (r *Ring[T]) Set(idx uint32, v T) {
	r.slots[idx&r.mask] = v
}

// Get returns the entry at idx.
// idx must come from a prior ConsumerReserve and must not be released yet.
func (r *Ring[T]) Get(idx uint32) T {
	return r.slots[idx&r.mask]
}

// ProducerSubmit publishes n reserved slots to the consumer.
// The atomic store orders all prior Set calls before the index update.
func (r *Ring[T]) ProducerSubmit(n uint32) {
	if r.cachedProd+n-r.cachedCons > r.size {
		panic(fmt.Sprintf("afxdp: submitting %d entries exceeds the reservation", n))
	}
	r.cachedProd += n
	atomic.StoreUint32(r.prod, r.cachedProd)
}

// ConsumerReserve grants up to n published entries starting at index start.
// A zero grant means nothing is available right now and is not an error.
func (r *Ring[T]) ConsumerReserve(n uint32) (granted, start uint32) {
	avail := r.cachedProd - r.cachedCons
	if avail < n {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	return min(n, avail), r.cachedCons
}

// ConsumerRelease hands n consumed slots back to the producer.
func (r *Ring[T]) ConsumerRelease(n uint32) {
	if n > r.cachedProd-r.cachedCons {
		panic(fmt.Sprintf("afxdp: releasing %d entries exceeds the reservation", n))
	}
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}
