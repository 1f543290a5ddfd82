//go:build linux

package mcast

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// NetlinkEnumerator lists IPv4 interface addresses via netlink.
type NetlinkEnumerator struct{}

var _ Enumerator = NetlinkEnumerator{}

func (NetlinkEnumerator) Interfaces() (list []Interface, e error) {
	addrs, e := netlink.AddrList(nil, netlink.FAMILY_V4)
	if e != nil {
		return nil, fmt.Errorf("netlink.AddrList: %w", e)
	}

	names := map[int]string{}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}

		name, ok := names[a.LinkIndex]
		if !ok {
			name = a.Label
			if link, e := netlink.LinkByIndex(a.LinkIndex); e == nil {
				name = link.Attrs().Name
			}
			names[a.LinkIndex] = name
		}

		list = append(list, Interface{
			Name:  name,
			Index: a.LinkIndex,
			Addr:  ip.Unmap(),
		})
	}
	return list, nil
}
