// Package afxdp implements AF_XDP sockets with a user-owned UMEM.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: frames delivered from the NIC to userspace.
//   - Fill ring: UMEM offsets userspace hands to the kernel for RX.
//   - TX ring: descriptors userspace sends to the NIC.
//   - Completion ring: transmitted UMEM offsets returned by the kernel.
package afxdp

import "github.com/romshark/xskfwd/internal/logging"

var logger = logging.New("afxdp")
