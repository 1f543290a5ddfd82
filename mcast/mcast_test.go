package mcast

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/romshark/xskfwd/internal/testenv"
)

type staticEnumerator struct {
	ifcs []Interface
	err  error
}

func (e staticEnumerator) Interfaces() ([]Interface, error) { return e.ifcs, e.err }

type fakeJoiner struct {
	calls  []int
	reject map[int]int // ifindex => failures before success, -1 always fails
}

func (j *fakeJoiner) JoinGroup(group netip.Addr, ifc Interface) error {
	j.calls = append(j.calls, ifc.Index)
	switch n := j.reject[ifc.Index]; {
	case n < 0:
		return fmt.Errorf("interface %d rejects %s", ifc.Index, group)
	case n > 0:
		j.reject[ifc.Index] = n - 1
		return errors.New("transient")
	}
	return nil
}

func makeInterfaces(n int) (list []Interface) {
	for i := 1; i <= n; i++ {
		list = append(list, Interface{
			Name:  fmt.Sprintf("eth%d", i),
			Index: i,
			Addr:  netip.AddrFrom4([4]byte{192, 168, byte(i), 1}),
		})
	}
	return list
}

func TestJoinAllPartialFailure(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	group := netip.MustParseAddr("224.0.0.200")
	assert.Equal(group, DefaultGroup)

	joiner := &fakeJoiner{reject: map[int]int{2: -1}}
	r := JoinAll(staticEnumerator{ifcs: makeInterfaces(3)}, joiner, group, Retry{})

	assert.Equal(3, r.Attempted)
	assert.Equal(2, r.Joined)
	assert.NoError(r.ListErr)
	assert.Equal([]int{1, 2, 3}, joiner.calls)
	require.Len(r.Outcomes, 3)
	assert.NoError(r.Outcomes[0].Err)
	assert.Error(r.Outcomes[1].Err)
	assert.Equal("eth2", r.Outcomes[1].Interface.Name)
	assert.NoError(r.Outcomes[2].Err)
}

func TestJoinAllCounts(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	for n := 0; n <= 6; n++ {
		for k := 0; k <= n; k++ {
			reject := map[int]int{}
			for i := k + 1; i <= n; i++ {
				reject[i] = -1
			}
			r := JoinAll(staticEnumerator{ifcs: makeInterfaces(n)}, &fakeJoiner{reject: reject}, DefaultGroup, Retry{})
			assert.Equal(n, r.Attempted, "n=%d k=%d", n, k)
			assert.Equal(k, r.Joined, "n=%d k=%d", n, k)
		}
	}
}

func TestJoinAllListError(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	joiner := &fakeJoiner{}
	r := JoinAll(staticEnumerator{err: errors.New("netlink down")}, joiner, DefaultGroup, Retry{})
	assert.Error(r.ListErr)
	assert.Zero(r.Attempted)
	assert.Zero(r.Joined)
	assert.Empty(joiner.calls)
}

func TestJoinAllRetry(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	var slept []time.Duration
	prev := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = prev })

	joiner := &fakeJoiner{reject: map[int]int{1: 2, 2: -1}}
	r := JoinAll(staticEnumerator{ifcs: makeInterfaces(2)}, joiner,
		DefaultGroup, Retry{Attempts: 3, Delay: time.Millisecond})

	assert.Equal(2, r.Attempted)
	assert.Equal(1, r.Joined)
	assert.Equal([]int{1, 1, 1, 2, 2, 2}, joiner.calls)
	assert.Equal([]time.Duration{
		time.Millisecond, 2 * time.Millisecond,
		time.Millisecond, 2 * time.Millisecond,
	}, slept)
}

type panickyJoiner struct{ fakeJoiner }

func (j *panickyJoiner) JoinGroup(group netip.Addr, ifc Interface) error {
	if ifc.Index == 2 {
		panic("driver bug")
	}
	return j.fakeJoiner.JoinGroup(group, ifc)
}

type panickyEnumerator struct{}

func (panickyEnumerator) Interfaces() ([]Interface, error) { panic("no netlink") }

func TestJoinAllRecoversPanic(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	joiner := &panickyJoiner{}
	r := JoinAll(staticEnumerator{ifcs: makeInterfaces(3)}, joiner, DefaultGroup, Retry{})
	assert.Equal(3, r.Attempted)
	assert.Equal(2, r.Joined)
	assert.Equal([]int{1, 3}, joiner.calls)
	require.Len(r.Outcomes, 3)
	assert.ErrorIs(r.Outcomes[1].Err, ErrPanic)
	assert.ErrorContains(r.Outcomes[1].Err, "driver bug")

	r = JoinAll(panickyEnumerator{}, joiner, DefaultGroup, Retry{})
	assert.ErrorIs(r.ListErr, ErrPanic)
	assert.Zero(r.Attempted)
}
