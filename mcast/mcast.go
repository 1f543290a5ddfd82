// Package mcast enrolls local interfaces in a multicast group on a best-effort basis.
package mcast

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/xskfwd/internal/logging"
)

var logger = logging.New("mcast")

// ErrPanic wraps a panic raised by an Enumerator or a Joiner.
var ErrPanic = errors.New("panic")

// DefaultGroup is the group joined when none is configured.
var DefaultGroup = netip.AddrFrom4([4]byte{224, 0, 0, 200})

// Interface is one configured local interface address.
type Interface struct {
	Name  string
	Index int
	Addr  netip.Addr
}

// Enumerator lists local interface addresses.
type Enumerator interface {
	Interfaces() ([]Interface, error)
}

// Joiner requests group membership on one interface.
type Joiner interface {
	JoinGroup(group netip.Addr, ifc Interface) error
}

// Outcome is the result of joining on one interface.
type Outcome struct {
	Interface Interface
	Err       error
}

// Report summarizes JoinAll.
type Report struct {
	Attempted int
	Joined    int
	Outcomes  []Outcome
	// ListErr is set when the interface list could not be obtained.
	ListErr error
}

// Retry bounds repeated join attempts on a single interface.
// The zero value makes one attempt.
type Retry struct {
	Attempts int
	Delay    time.Duration
}

var sleep = time.Sleep

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrPanic, r)
	}
}

func join(joiner Joiner, group netip.Addr, ifc Interface) (err error) {
	defer recoverInto(&err)
	return joiner.JoinGroup(group, ifc)
}

func list(enum Enumerator) (ifcs []Interface, err error) {
	defer recoverInto(&err)
	return enum.Interfaces()
}

func (r Retry) do(f func() error) (err error) {
	delay := r.Delay
	for i := 0; ; i++ {
		if err = f(); err == nil || i+1 >= r.Attempts {
			return err
		}
		if delay > 0 {
			sleep(delay)
			delay *= 2
		}
	}
}

// JoinAll attempts to join group on every interface returned by enum.
// A failure on one interface is logged and recorded; it never stops the others.
// Panics of enum or joiner are recovered and recorded as ErrPanic.
func JoinAll(enum Enumerator, joiner Joiner, group netip.Addr, retry Retry) (r Report) {
	ifcs, err := list(enum)
	if err != nil {
		logger.Warn("list interfaces error", zap.Error(err))
		r.ListErr = err
		return r
	}

	r.Outcomes = make([]Outcome, 0, len(ifcs))
	for _, ifc := range ifcs {
		r.Attempted++
		logEntry := logger.With(
			zap.Stringer("group", group),
			zap.String("ifname", ifc.Name),
			zap.Int("ifindex", ifc.Index),
			zap.Stringer("addr", ifc.Addr),
		)

		err := retry.do(func() error { return join(joiner, group, ifc) })
		r.Outcomes = append(r.Outcomes, Outcome{Interface: ifc, Err: err})
		if err != nil {
			logEntry.Warn("join failed", zap.Error(err))
			continue
		}
		r.Joined++
		logEntry.Debug("joined")
	}

	logger.Info("multicast join",
		zap.Stringer("group", group),
		zap.Int("attempted", r.Attempted),
		zap.Int("joined", r.Joined),
	)
	return r
}
