//go:build linux

// Package ifacestat samples interface packet and byte counters.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

// All lists every Counter.
var All = []Counter{TxPackets, TxBytes, RxPackets, RxBytes}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	}
	return ""
}

// driverKeys are ethtool -S keys tried in order, wire counters first.
func (c Counter) driverKeys() []string {
	return []string{c.String() + "_phy", c.String()}
}

func (c Counter) fromLink(st *netlink.LinkStatistics) uint64 {
	switch c {
	case TxPackets:
		return st.TxPackets
	case TxBytes:
		return st.TxBytes
	case RxPackets:
		return st.RxPackets
	case RxBytes:
		return st.RxBytes
	}
	return 0
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads counters of each interface from driver statistics,
// falling back to kernel link statistics for keys the driver lacks.
func Snapshot(ifaces []string, counters ...Counter) (s Stats, e error) {
	if len(counters) == 0 {
		counters = All
	}

	etht, e := ethtool.NewEthtool()
	if e != nil {
		return nil, fmt.Errorf("ethtool.NewEthtool: %w", e)
	}
	defer etht.Close()

	s = make(Stats, len(ifaces))
	for _, iface := range ifaces {
		drv, drvErr := etht.Stats(iface)
		var link *netlink.LinkStatistics
		if l, linkErr := netlink.LinkByName(iface); linkErr == nil {
			link = l.Attrs().Statistics
		} else if drvErr != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, multierr.Combine(drvErr, linkErr))
		}
		s[iface] = collect(drv, link, counters)
	}
	return s, nil
}

func collect(drv map[string]uint64, link *netlink.LinkStatistics, counters []Counter) IfaceStats {
	found := make(IfaceStats, len(counters))
	for _, ctr := range counters {
		found[ctr] = lookup(drv, link, ctr)
	}
	return found
}

func lookup(drv map[string]uint64, link *netlink.LinkStatistics, ctr Counter) uint64 {
	for _, key := range ctr.driverKeys() {
		if v, ok := drv[key]; ok {
			return v
		}
	}
	if link != nil {
		return ctr.fromLink(link)
	}
	return 0
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) (e error) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		if alias, ok := aliases[iface]; ok {
			_, err := fmt.Fprintf(w, "%s (%s):\n", iface, alias)
			e = multierr.Append(e, err)
		} else {
			_, err := fmt.Fprintf(w, "%s :\n", iface)
			e = multierr.Append(e, err)
		}

		for _, row := range [...]struct {
			name         string
			pkts, nBytes Counter
		}{{"TX", TxPackets, TxBytes}, {"RX", RxPackets, RxBytes}} {
			pkts, nBytes := stats[row.pkts], stats[row.nBytes]
			_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)\n",
				row.name, pkts, humanize.Bytes(nBytes), humanize.Comma(int64(nBytes)),
			)
			e = multierr.Append(e, err)
		}
	}
	return e
}
