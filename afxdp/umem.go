//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrChunkSize    = errors.New("chunk size must be a non-zero power of two")
	ErrChunkCount   = errors.New("chunk count must be > 0")
	ErrUMEMTooLarge = errors.New("UMEM size overflows")
	ErrAllocation   = errors.New("allocating UMEM")
	ErrOutOfBounds  = errors.New("frame out of UMEM bounds")
)

// UMEM is the frame buffer pool shared with the kernel.
// It is one contiguous, page-backed region split into ChunkCount chunks of
// ChunkSize bytes. Chunks are referenced by offset, never by pointer.
//
// UMEM does not track which chunks are in use. A chunk is owned by whoever
// holds its descriptor: the kernel while it sits in the Fill or TX ring,
// the application while it sits in the RX or Completion ring or in hand.
type UMEM struct {
	mem        []byte
	chunkSize  uint32
	chunkCount uint32
}

// NewUMEM maps an anonymous region of chunkCount*chunkSize bytes.
func NewUMEM(chunkCount, chunkSize uint32) (*UMEM, error) {
	if chunkSize == 0 || chunkSize&(chunkSize-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrChunkSize, chunkSize)
	}
	if chunkCount == 0 {
		return nil, ErrChunkCount
	}
	total := uint64(chunkCount) * uint64(chunkSize)
	if total > math.MaxInt {
		return nil, ErrUMEMTooLarge
	}

	// Use unix.Mmap so the region lives outside of the Go heap
	// and never moves while the kernel references it.
	mem, err := unix.Mmap(-1, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrAllocation, total, err)
	}

	return &UMEM{
		mem:        mem,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
	}, nil
}

func (u *UMEM) ChunkSize() uint32  { return u.chunkSize }
func (u *UMEM) ChunkCount() uint32 { return u.chunkCount }

// Size returns the total size in bytes, always ChunkSize*ChunkCount.
func (u *UMEM) Size() uint64 { return uint64(len(u.mem)) }

// ChunkOffset returns the offset of chunk i.
// i must be lower than ChunkCount.
func (u *UMEM) ChunkOffset(i uint32) uint64 {
	if i >= u.chunkCount {
		panic(fmt.Sprintf("afxdp: chunk index %d out of range [0, %d)", i, u.chunkCount))
	}
	return uint64(i) * uint64(u.chunkSize)
}

// ChunkBase returns the offset of the chunk that addr lies in.
// The kernel may hand out addresses past the chunk start (headroom);
// the chunk base is what goes back into the Fill ring.
func (u *UMEM) ChunkBase(addr uint64) uint64 {
	return addr &^ uint64(u.chunkSize-1)
}

// Frame returns the bytes [addr, addr+length) of the region.
// The returned slice aliases shared memory and must only be accessed while
// the caller owns the descriptor.
func (u *UMEM) Frame(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end < addr || end > uint64(len(u.mem)) {
		return nil, fmt.Errorf("%w: [%d, %d) in %d bytes",
			ErrOutOfBounds, addr, end, len(u.mem))
	}
	return u.mem[addr:end:end], nil
}

// Chunk returns the full chunk i.
func (u *UMEM) Chunk(i uint32) []byte {
	off := u.ChunkOffset(i)
	end := off + uint64(u.chunkSize)
	return u.mem[off:end:end]
}

// addr returns the virtual address of the region for XDP_UMEM_REG.
func (u *UMEM) addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&u.mem[0])))
}

// Close unmaps the region. Must not be called while the region
// is still registered with an open socket.
func (u *UMEM) Close() error {
	if u.mem == nil {
		return nil
	}
	err := unix.Munmap(u.mem)
	u.mem = nil
	return err
}
