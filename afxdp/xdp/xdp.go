//go:build linux

// Package xdp installs the redirect rule that steers matching traffic
// from an interface into AF_XDP sockets.
//
// The rule is an XDP program assembled at runtime: it matches
// Ethernet/IPv4/UDP frames with a given destination port and redirects
// them through an XSKMAP keyed by RX queue index. Anything else passes
// to the regular network stack.
package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/romshark/xskfwd/internal/logging"
)

var logger = logging.New("xdp")

var (
	ErrXDPUnsupported    = errors.New("kernel does not support XDP programs")
	ErrXSKMapUnsupported = errors.New("kernel does not support XSKMAP")
	ErrNoPort            = errors.New("UDP destination port must be set")
	ErrQueueOutOfRange   = errors.New("queue id exceeds XSKMAP size")
)

// Frame layout the program matches on. IPv4 options are not supported.
const (
	offEtherType = 12
	offIPv4      = 14
	offIPProto   = offIPv4 + 9
	offUDPDst    = offIPv4 + 20 + 2
	minFrameLen  = offUDPDst + 2

	etherTypeIPv4 = 0x0800
	ipv4NoOptions = 0x45
	ipProtoUDP    = 17

	// XDP actions and struct xdp_md field offsets from linux/bpf.h.
	xdpPass          = 2
	offXDPMDData     = 0
	offXDPMDDataEnd  = 4
	offXDPMDRxQueue  = 16
	defaultMapLength = 64
)

// Probe checks that the kernel can run the redirect rule.
func Probe() error {
	if err := features.HaveProgramType(ebpf.XDP); err != nil {
		return fmt.Errorf("%w: %w", ErrXDPUnsupported, err)
	}
	if err := features.HaveMapType(ebpf.XSKMap); err != nil {
		return fmt.Errorf("%w: %w", ErrXSKMapUnsupported, err)
	}
	return nil
}

// Rule describes what to redirect and where to attach.
type Rule struct {
	// IfIndex is the interface the program attaches to.
	IfIndex int
	// UDPDstPort is the destination port to match.
	UDPDstPort uint16
	// DriverMode requests native (driver) XDP, needed for zero-copy.
	// Otherwise the kernel picks the mode.
	DriverMode bool
}

// Program is an installed redirect rule.
type Program struct {
	ifIndex int
	link    link.Link
	prog    *ebpf.Program
	xsks    *ebpf.Map
}

// be16 returns the value a native-endian 16-bit load yields
// for the big-endian encoding of v.
func be16(v uint16) int32 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return int32(binary.NativeEndian.Uint16(b[:]))
}

// instructions assembles the redirect program for the XSKMAP with file
// descriptor xsksFD.
func instructions(xsksFD int, port uint16) asm.Instructions {
	return asm.Instructions{
		// r2 = data, r3 = data_end
		asm.LoadMem(asm.R2, asm.R1, offXDPMDData, asm.Word),
		asm.LoadMem(asm.R3, asm.R1, offXDPMDDataEnd, asm.Word),

		// Bounds check for everything up to the UDP destination port.
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, minFrameLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),

		asm.LoadMem(asm.R5, asm.R2, offEtherType, asm.Half),
		asm.JNE.Imm(asm.R5, be16(etherTypeIPv4), "pass"),
		asm.LoadMem(asm.R5, asm.R2, offIPv4, asm.Byte),
		asm.JNE.Imm(asm.R5, ipv4NoOptions, "pass"),
		asm.LoadMem(asm.R5, asm.R2, offIPProto, asm.Byte),
		asm.JNE.Imm(asm.R5, ipProtoUDP, "pass"),
		asm.LoadMem(asm.R5, asm.R2, offUDPDst, asm.Half),
		asm.JNE.Imm(asm.R5, be16(port), "pass"),

		// return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS)
		asm.LoadMem(asm.R2, asm.R1, offXDPMDRxQueue, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
		asm.Return(),
	}
}

// InstallRule creates the XSKMAP and redirect program and attaches the
// program to r.IfIndex. Sockets are registered afterwards with Register.
func InstallRule(r Rule) (p *Program, err error) {
	if r.UDPDstPort == 0 {
		return nil, ErrNoPort
	}
	iface, err := net.InterfaceByIndex(r.IfIndex)
	if err != nil {
		return nil, fmt.Errorf("getting interface by index: %w", err)
	}

	queues, err := RXQueueIDs(iface.Name)
	if err != nil {
		logger.Debug("cannot list RX queues, using default map size", zap.Error(err))
	}
	mapLen := uint32(defaultMapLength)
	if len(queues) > 0 {
		mapLen = max(mapLen, queues[len(queues)-1]+1)
	}

	p = &Program{ifIndex: r.IfIndex}
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
			p = nil
		}
	}()

	if p.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: mapLen,
	}); err != nil {
		return p, fmt.Errorf("creating XSKMAP: %w", err)
	}

	if p.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xsk_redirect",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: instructions(p.xsks.FD(), r.UDPDstPort),
	}); err != nil {
		return p, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   p.prog,
		Interface: r.IfIndex,
	}
	if r.DriverMode {
		// Request driver-mode XDP for zerocopy.
		opts.Flags = link.XDPDriverMode
	}
	if p.link, err = link.AttachXDP(opts); err != nil {
		return p, fmt.Errorf("attaching XDP: %w", err)
	}

	logger.Info("redirect rule installed",
		zap.String("ifname", iface.Name),
		zap.Int("ifindex", r.IfIndex),
		zap.Uint16("udp-dst-port", r.UDPDstPort),
		zap.Uint32("xsks-map-size", mapLen),
		zap.Bool("driver-mode", r.DriverMode),
	)
	return p, nil
}

// Register points queue's XSKMAP entry at the AF_XDP socket fd
// so that matching frames received on that queue are redirected to it.
func (p *Program) Register(queue uint32, fd int) error {
	if queue >= p.xsks.MaxEntries() {
		return fmt.Errorf("%w: %d >= %d", ErrQueueOutOfRange, queue, p.xsks.MaxEntries())
	}
	return p.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

// Close detaches the program from the interface and frees the eBPF
// resources. Traffic is no longer intercepted afterwards.
func (p *Program) Close() error {
	var err error
	if p.link != nil {
		if e := p.link.Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("closing XDP link: %w", e))
		}
		p.link = nil
	}
	if p.prog != nil {
		err = multierr.Append(err, p.prog.Close())
		p.prog = nil
	}
	if p.xsks != nil {
		err = multierr.Append(err, p.xsks.Close())
		p.xsks = nil
	}
	return err
}

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order inspecting /sys/class/net/<iface>/queues.
func RXQueueIDs(ifaceName string) (ids []uint32, err error) {
	path := "/sys/class/net/" + ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		if idStr, ok := strings.CutPrefix(e.Name(), "rx-"); ok {
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
			}
			ids = append(ids, uint32(id))
		}
	}
	slices.Sort(ids)
	return ids, nil
}
