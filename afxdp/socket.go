//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrNoUMEMForSocket = errors.New("socket requires a UMEM")
	ErrRegionTooSmall  = errors.New("mapped ring region is too small")
)

type SocketConfig struct {
	// IfIndex is the Linux interface index to bind to.
	IfIndex int
	// QueueID identifies the NIC RX queue to bind to.
	QueueID uint32
	// PreferZerocopy requests XDP_ZEROCOPY and falls back to XDP_COPY
	// if the queue does not support it.
	PreferZerocopy bool
	// RingSize sets the number of descriptors in the Fill, RX and
	// Completion rings. 0 means the UMEM chunk count.
	RingSize uint32
	// EnableTx additionally requests a TX ring of RingSize descriptors.
	EnableTx bool
}

func (c *SocketConfig) ValidateAndSetDefaults(umem *UMEM) error {
	if umem == nil {
		return ErrNoUMEMForSocket
	}
	if c.RingSize == 0 {
		c.RingSize = umem.ChunkCount()
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrRingSizeNotPowerOfTwo, c.RingSize)
	}
	if c.RingSize < umem.ChunkCount() {
		return fmt.Errorf("%w: %d < %d", ErrFillTooSmall, c.RingSize, umem.ChunkCount())
	}
	return nil
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L43
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L50
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

func setRingSize(fd, opt int, size uint32) error {
	return setsockopt(fd, unix.SOL_XDP, opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

// mapRing maps one ring of the socket and builds a Ring view over it.
func mapRing[T any](
	fd int, pgoff int64, off xdp_ring_offset, size uint32,
) (*Ring[T], []byte, error) {
	var zero T
	length := off.Desc + uint64(size)*uint64(unsafe.Sizeof(zero))
	region, err := unix.Mmap(fd, pgoff, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(region)) < length {
		_ = unix.Munmap(region)
		return nil, nil, ErrRegionTooSmall
	}
	base := unsafe.Pointer(&region[0])

	prod := (*uint32)(unsafe.Add(base, off.Producer))
	cons := (*uint32)(unsafe.Add(base, off.Consumer))
	flags := (*uint32)(unsafe.Add(base, off.Flags))
	slots := unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size)

	r, err := NewRing(prod, cons, flags, slots)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, nil, err
	}
	return r, region, nil
}

var zeroBuf []byte

// Socket is an AF_XDP socket registered with a UMEM and bound to one queue.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd   int
	umem *UMEM

	fill *Ring[uint64]
	rx   *Ring[Desc]
	tx   *Ring[Desc]
	cq   *Ring[uint64]

	regions [][]byte
	logger  *zap.Logger
}

// OpenSocket creates an AF_XDP socket, registers umem with it,
// maps its rings and binds it to conf.IfIndex:conf.QueueID.
// The Fill ring is left empty; use a Forwarder to prime it.
func OpenSocket(umem *UMEM, conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(umem); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	s := &Socket{
		conf:   conf,
		fd:     fd,
		umem:   umem,
		logger: logger.With(zap.Int("ifindex", conf.IfIndex), zap.Uint32("queue", conf.QueueID)),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	// UMEM registration.
	reg := xdp_umem_reg{
		Addr:      umem.addr(),
		Len:       umem.Size(),
		ChunkSize: umem.ChunkSize(),
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	// Ring sizes. The kernel requires both UMEM rings even for RX only.
	if err := setRingSize(fd, unix.XDP_UMEM_FILL_RING, conf.RingSize); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
	}
	if err := setRingSize(fd, unix.XDP_UMEM_COMPLETION_RING, conf.RingSize); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
	}
	if err := setRingSize(fd, unix.XDP_RX_RING, conf.RingSize); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
	}
	if conf.EnableTx {
		if err := setRingSize(fd, unix.XDP_TX_RING, conf.RingSize); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
		}
	}

	// Query mmap offsets for all rings.
	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	var region []byte
	if s.fill, region, err = mapRing[uint64](
		fd, unix.XDP_UMEM_PGOFF_FILL_RING, offs.Fr, conf.RingSize,
	); err != nil {
		return nil, fmt.Errorf("mmap Fill ring: %w", err)
	}
	s.regions = append(s.regions, region)

	if s.cq, region, err = mapRing[uint64](
		fd, unix.XDP_UMEM_PGOFF_COMPLETION_RING, offs.Cr, conf.RingSize,
	); err != nil {
		return nil, fmt.Errorf("mmap Completion ring: %w", err)
	}
	s.regions = append(s.regions, region)

	if s.rx, region, err = mapRing[Desc](
		fd, unix.XDP_PGOFF_RX_RING, offs.Rx, conf.RingSize,
	); err != nil {
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	s.regions = append(s.regions, region)

	if conf.EnableTx {
		if s.tx, region, err = mapRing[Desc](
			fd, unix.XDP_PGOFF_TX_RING, offs.Tx, conf.RingSize,
		); err != nil {
			return nil, fmt.Errorf("mmap TX ring: %w", err)
		}
		s.regions = append(s.regions, region)
	}

	// Bind AF_XDP socket to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(conf.IfIndex),
		QueueID: conf.QueueID,
	}

	zerocopy := conf.PreferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// If zerocopy is not supported for this queue, fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			s.logger.Info("zerocopy not supported, falling back to copy mode")
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy

	s.logger.Info("socket bound",
		zap.Bool("zerocopy", zerocopy),
		zap.Uint32("ring-size", conf.RingSize),
		zap.Bool("tx", conf.EnableTx),
	)
	return s, nil
}

// FD returns the socket file descriptor.
func (s *Socket) FD() int { return s.fd }

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the corresponding queue
// may not support XDP_ZEROCOPY mode and the socket fall back to XDP_COPY automatically.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

func (s *Socket) Fill() *Ring[uint64]       { return s.fill }
func (s *Socket) Rx() *Ring[Desc]           { return s.rx }
func (s *Socket) Tx() *Ring[Desc]           { return s.tx }
func (s *Socket) Completion() *Ring[uint64] { return s.cq }

// ForwarderConfig returns a ForwarderConfig wired to this socket's rings.
// The Completion ring is only included when the socket has a TX ring.
func (s *Socket) ForwarderConfig() ForwarderConfig {
	conf := ForwarderConfig{
		UMEM:   s.umem,
		Fill:   s.fill,
		Rx:     s.rx,
		Waker:  s,
		Waiter: s,
		Queue:  s.conf.QueueID,
	}
	if s.tx != nil {
		conf.Tx = s.tx
		conf.Completion = s.cq
	}
	return conf
}

// WakeRx asks the kernel to resume filling frames when the Fill ring is
// flagged with XDP_RING_NEED_WAKEUP. It does not block.
func (s *Socket) WakeRx() error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, 0)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// WakeTx notifies the kernel/NIC that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell signal to process
// the TX ring.
func (s *Socket) WakeTx() error {
	err := unix.Sendto(s.fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY || err == unix.ENOBUFS {
		// Treat as non-fatal backpressure.
		return nil
	}
	return err
}

// Wait blocks in poll(2) until the RX ring is readable or timeout expires,
// rounded up to whole milliseconds.
func (s *Socket) Wait(timeout time.Duration) error {
	ms := int(max((timeout+time.Millisecond-1)/time.Millisecond, 1))
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, ms)
		if err != unix.EINTR {
			return err
		}
	}
}

// Close unmaps the rings and closes the socket.
// The UMEM is not closed, it is owned by the caller.
func (s *Socket) Close() error {
	var err error
	for _, r := range s.regions {
		err = multierr.Append(err, unix.Munmap(r))
	}
	s.regions = nil
	s.fill, s.rx, s.tx, s.cq = nil, nil, nil, nil

	if s.fd > 0 {
		if e := unix.Close(s.fd); e != nil {
			err = multierr.Append(err, fmt.Errorf("closing fd: %w", e))
		}
		s.fd = -1
	}
	return err
}
