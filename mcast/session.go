//go:build linux

package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrNotIPv4   = errors.New("group is not an IPv4 multicast address")
	ErrNotJoined = errors.New("membership not held")
)

type membership struct {
	group netip.Addr
	index int
}

// Session owns a UDP socket and the group memberships joined through it.
// Memberships last until Close.
type Session struct {
	mu      sync.Mutex
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	members map[membership]Interface
}

var _ Joiner = (*Session)(nil)

// Open creates an unbound IPv4 UDP socket with SO_REUSEADDR.
func Open(ctx context.Context) (*Session, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			if e := rc.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); e != nil {
				return e
			}
			if sockErr != nil {
				return fmt.Errorf("setsockopt SO_REUSEADDR: %w", sockErr)
			}
			return nil
		},
	}

	conn, e := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if e != nil {
		return nil, fmt.Errorf("listen udp4: %w", e)
	}
	return &Session{
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		members: map[membership]Interface{},
	}, nil
}

func checkGroup(group netip.Addr) error {
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, group)
	}
	return nil
}

// JoinGroup joins group on ifc.
func (s *Session) JoinGroup(group netip.Addr, ifc Interface) error {
	if e := checkGroup(group); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return ErrClosed
	}

	if e := s.pc.JoinGroup(&net.Interface{Index: ifc.Index, Name: ifc.Name}, &net.UDPAddr{IP: group.AsSlice()}); e != nil {
		return fmt.Errorf("join %s on %s(%s): %w", group, ifc.Name, ifc.Addr, e)
	}
	s.members[membership{group, ifc.Index}] = ifc
	return nil
}

// LeaveGroup leaves a membership previously joined through this session.
func (s *Session) LeaveGroup(group netip.Addr, ifc Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return ErrClosed
	}
	return s.leave(membership{group, ifc.Index}, ifc)
}

func (s *Session) leave(key membership, ifc Interface) error {
	if _, ok := s.members[key]; !ok {
		return fmt.Errorf("%w: %s on %s", ErrNotJoined, key.group, ifc.Name)
	}
	delete(s.members, key)
	if e := s.pc.LeaveGroup(&net.Interface{Index: ifc.Index, Name: ifc.Name}, &net.UDPAddr{IP: key.group.AsSlice()}); e != nil {
		return fmt.Errorf("leave %s on %s: %w", key.group, ifc.Name, e)
	}
	return nil
}

// Memberships returns the number of memberships held.
func (s *Session) Memberships() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Close leaves every held membership and closes the socket.
func (s *Session) Close() (e error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return nil
	}

	for key, ifc := range s.members {
		e = multierr.Append(e, s.leave(key, ifc))
	}
	e = multierr.Append(e, s.conn.Close())
	s.pc, s.conn = nil, nil

	if e != nil {
		logger.Warn("session close", zap.Error(e))
	}
	return e
}
