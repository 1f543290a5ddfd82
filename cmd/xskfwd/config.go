//go:build linux

package main

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/xskfwd/mcast"
	"github.com/romshark/xskfwd/translate"
)

var (
	ErrNoIfIndex      = errors.New("IFINDEX argument is required")
	ErrInvalidIfIndex = errors.New("IFINDEX must be a positive integer")
)

type Config struct {
	IfIndex int `yaml:"-"`

	Queue        uint32         `yaml:"queue"`
	Port         uint16         `yaml:"port"`
	Chunks       uint32         `yaml:"chunks"`
	ChunkSize    uint32         `yaml:"chunk-size"`
	Mode         translate.Mode `yaml:"mode"`
	Zerocopy     bool           `yaml:"zerocopy"`
	MaxFrames    uint64         `yaml:"max-frames"`
	IdleMaxSleep time.Duration  `yaml:"idle-max-sleep"`
	Counters     bool           `yaml:"counters"`

	Multicast struct {
		Disabled     bool          `yaml:"disabled"`
		Group        string        `yaml:"group"`
		JoinAttempts int           `yaml:"join-attempts"`
		JoinDelay    time.Duration `yaml:"join-delay"`
	} `yaml:"multicast"`

	group netip.Addr
}

// DefaultConfig returns the configuration used when neither a config file
// nor flags override a value.
func DefaultConfig() Config {
	var conf Config
	conf.Port = 0x4321
	conf.Chunks = 16
	conf.ChunkSize = 4096
	conf.Multicast.Group = mcast.DefaultGroup.String()
	conf.Multicast.JoinAttempts = 1
	conf.Multicast.JoinDelay = 100 * time.Millisecond
	return conf
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// ValidateAndSetDefaults checks the configuration and resolves derived values.
func (c *Config) ValidateAndSetDefaults() error {
	if c.IfIndex <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidIfIndex, c.IfIndex)
	}
	if !isPowerOfTwo(c.Chunks) {
		return fmt.Errorf("chunks must be a power of two, got %d", c.Chunks)
	}
	if pageSize := uint32(os.Getpagesize()); !isPowerOfTwo(c.ChunkSize) ||
		c.ChunkSize < 2048 || c.ChunkSize > pageSize {
		return fmt.Errorf("chunk-size must be a power of two in [2048, %d], got %d",
			pageSize, c.ChunkSize)
	}
	if c.Port == 0 {
		return errors.New("port must be non-zero")
	}
	if c.Multicast.JoinAttempts < 1 {
		c.Multicast.JoinAttempts = 1
	}
	if c.Multicast.JoinDelay < 0 {
		c.Multicast.JoinDelay = 0
	}
	if c.IdleMaxSleep < 0 {
		return fmt.Errorf("idle-max-sleep must not be negative, got %s", c.IdleMaxSleep)
	}

	group, err := netip.ParseAddr(c.Multicast.Group)
	if err != nil {
		return fmt.Errorf("invalid multicast.group %q: %w", c.Multicast.Group, err)
	}
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("multicast.group %s is not an IPv4 multicast address", group)
	}
	c.group = group
	return nil
}

// Group returns the parsed multicast group. Valid after ValidateAndSetDefaults.
func (c *Config) Group() netip.Addr { return c.group }

func newFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML config `file`; flags override its values",
			EnvVars: []string{"XSKFWD_CONFIG"},
		},
		&cli.UintFlag{
			Name:  "queue",
			Usage: "RX queue `id` to bind",
		},
		&cli.UintFlag{
			Name:  "port",
			Usage: "UDP destination `port` redirected to the socket",
			Value: 0x4321,
		},
		&cli.UintFlag{
			Name:  "chunks",
			Usage: "number of UMEM chunks (power of two)",
			Value: 16,
		},
		&cli.UintFlag{
			Name:  "chunk-size",
			Usage: "UMEM chunk size in `bytes` (power of two, at most the page size)",
			Value: 4096,
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "what to do with frames: erase or reflect",
			Value: translate.ModeErase.String(),
		},
		&cli.BoolFlag{
			Name:  "zerocopy",
			Usage: "prefer zero-copy mode, falling back to copy mode",
		},
		&cli.Uint64Flag{
			Name:  "max-frames",
			Usage: "stop after `n` frames (0: run until interrupted)",
		},
		&cli.StringFlag{
			Name:  "group",
			Usage: "multicast group `address` joined on all interfaces",
			Value: mcast.DefaultGroup.String(),
		},
		&cli.BoolFlag{
			Name:  "no-multicast",
			Usage: "skip the multicast join",
		},
		&cli.DurationFlag{
			Name:  "idle-max-sleep",
			Usage: "longest idle sleep, after which empty rounds block in poll (0: busy poll)",
		},
		&cli.BoolFlag{
			Name:  "counters",
			Usage: "print interface counter deltas on exit",
		},
	}
}

// uintFlag returns the value of a uint flag, rejecting values above limit.
func uintFlag(c *cli.Context, name string, limit uint64) (uint64, error) {
	v := uint64(c.Uint(name))
	if v > limit {
		return 0, fmt.Errorf("%s %d out of range [0, %d]", name, v, limit)
	}
	return v, nil
}

// loadConfig reads the config file if given, then applies flags that were
// set explicitly and the IFINDEX argument.
func loadConfig(c *cli.Context) (*Config, error) {
	conf := DefaultConfig()

	if path := c.String("config"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if c.NArg() < 1 {
		return nil, ErrNoIfIndex
	}
	ifIndex, err := strconv.Atoi(c.Args().First())
	if err != nil || ifIndex <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIfIndex, c.Args().First())
	}
	conf.IfIndex = ifIndex

	// Apply CLI overrides if necessary.
	if c.IsSet("queue") {
		v, err := uintFlag(c, "queue", math.MaxUint32)
		if err != nil {
			return nil, err
		}
		conf.Queue = uint32(v)
	}
	if c.IsSet("port") {
		v, err := uintFlag(c, "port", math.MaxUint16)
		if err != nil {
			return nil, err
		}
		conf.Port = uint16(v)
	}
	if c.IsSet("chunks") {
		v, err := uintFlag(c, "chunks", math.MaxUint32)
		if err != nil {
			return nil, err
		}
		conf.Chunks = uint32(v)
	}
	if c.IsSet("chunk-size") {
		v, err := uintFlag(c, "chunk-size", math.MaxUint32)
		if err != nil {
			return nil, err
		}
		conf.ChunkSize = uint32(v)
	}
	if c.IsSet("mode") {
		if conf.Mode, err = translate.ParseMode(c.String("mode")); err != nil {
			return nil, err
		}
	}
	if c.IsSet("zerocopy") {
		conf.Zerocopy = c.Bool("zerocopy")
	}
	if c.IsSet("max-frames") {
		conf.MaxFrames = c.Uint64("max-frames")
	}
	if c.IsSet("group") {
		conf.Multicast.Group = c.String("group")
	}
	if c.IsSet("no-multicast") {
		conf.Multicast.Disabled = c.Bool("no-multicast")
	}
	if c.IsSet("idle-max-sleep") {
		conf.IdleMaxSleep = c.Duration("idle-max-sleep")
	}
	if c.IsSet("counters") {
		conf.Counters = c.Bool("counters")
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}
