// Package translate inspects received frames and rewrites them in place
// before their buffers are recycled or retransmitted.
package translate

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/romshark/xskfwd/internal/logging"
)

var logger = logging.New("translate")

// Frame layout: Ethernet at 0 (14 bytes), IPv4 at 14 (20 bytes, no options),
// UDP at 34 (8 bytes).
const (
	offEthDst     = 0
	offEthSrc     = 6
	offEtherType  = 12
	offIPv4       = 14
	offIPProto    = offIPv4 + 9
	offIPv4Src    = offIPv4 + 12
	offIPv4Dst    = offIPv4 + 16
	offUDPSrcPort = 34
	offUDPDstPort = 36

	// HeaderLen is the Ethernet+IPv4+UDP header prefix.
	// Only frames strictly longer than HeaderLen are inspected.
	HeaderLen = 42

	etherTypeIPv4 = 0x0800
	ipv4NoOptions = 0x45
	ipProtoUDP    = 17
)

// Mode selects what Translate does with a frame.
type Mode int

const (
	// ModeErase logs the UDP ports and zeroes the whole frame.
	// The buffer is recycled, nothing is sent back.
	ModeErase Mode = iota
	// ModeReflect swaps Ethernet, IPv4 and UDP source and destination
	// of IPv4/UDP frames so they can be transmitted back to the sender.
	// Other frames are erased.
	ModeReflect
)

func (m Mode) String() string {
	switch m {
	case ModeErase:
		return "erase"
	case ModeReflect:
		return "reflect"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "erase" or "reflect".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "erase":
		return ModeErase, nil
	case "reflect":
		return ModeReflect, nil
	}
	return 0, fmt.Errorf("unknown mode %q (use erase or reflect)", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseMode(string(text))
	return err
}

// Stats are counters of a Translator.
type Stats struct {
	Frames    uint64
	Inspected uint64
	Erased    uint64
	Reflected uint64
}

// Translator applies a Mode to frames.
// Not safe for concurrent use.
type Translator struct {
	mode  Mode
	stats Stats
}

func New(mode Mode) *Translator {
	return &Translator{mode: mode}
}

func (t *Translator) Mode() Mode   { return t.mode }
func (t *Translator) Stats() Stats { return t.stats }

// Translate processes frame in place.
// It returns true if the frame was rewritten for transmission
// and false if it was erased.
func (t *Translator) Translate(frame []byte) (transmit bool) {
	t.stats.Frames++

	if len(frame) > HeaderLen {
		t.stats.Inspected++
		srcPort, dstPort := Ports(frame)
		if ce := logger.Check(zap.InfoLevel, "frame"); ce != nil {
			ce.Write(
				zap.Int("length", len(frame)),
				zap.Uint16("src-port", srcPort),
				zap.Uint16("dst-port", dstPort),
			)
		}

		if t.mode == ModeReflect && isIPv4UDP(frame) {
			Reflect(frame)
			t.stats.Reflected++
			return true
		}
	}

	Erase(frame)
	t.stats.Erased++
	return false
}

// Ports returns the UDP source and destination ports in host order.
// frame must be longer than HeaderLen.
func Ports(frame []byte) (src, dst uint16) {
	return binary.BigEndian.Uint16(frame[offUDPSrcPort:]),
		binary.BigEndian.Uint16(frame[offUDPDstPort:])
}

// Erase zeroes the frame.
func Erase(frame []byte) {
	clear(frame)
}

// Reflect swaps Ethernet, IPv4 and UDP source and destination fields.
// Swapping keeps the IPv4 and UDP checksums valid.
// frame must be an IPv4/UDP frame longer than HeaderLen.
func Reflect(frame []byte) {
	swap(frame[offEthDst:offEthDst+6], frame[offEthSrc:offEthSrc+6])
	swap(frame[offIPv4Src:offIPv4Src+4], frame[offIPv4Dst:offIPv4Dst+4])
	swap(frame[offUDPSrcPort:offUDPSrcPort+2], frame[offUDPDstPort:offUDPDstPort+2])
}

func swap(a, b []byte) {
	for i := range a {
		a[i], b[i] = b[i], a[i]
	}
}

func isIPv4UDP(frame []byte) bool {
	return binary.BigEndian.Uint16(frame[offEtherType:]) == etherTypeIPv4 &&
		frame[offIPv4] == ipv4NoOptions &&
		frame[offIPProto] == ipProtoUDP
}
