//go:build linux

// Command xskfwd receives UDP frames of one interface queue through an
// AF_XDP socket, rewrites them in place, and recycles or reflects them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/xskfwd/afxdp"
	"github.com/romshark/xskfwd/afxdp/xdp"
	"github.com/romshark/xskfwd/idle"
	"github.com/romshark/xskfwd/ifacestat"
	"github.com/romshark/xskfwd/internal/logging"
	"github.com/romshark/xskfwd/mcast"
	"github.com/romshark/xskfwd/translate"
)

var logger = logging.New("main")

// Platform steps, replaced in tests.
var (
	probe       = xdp.Probe
	newUMEM     = afxdp.NewUMEM
	openSocket  = afxdp.OpenSocket
	installRule = func(r xdp.Rule) (redirectRule, error) {
		p, err := xdp.InstallRule(r)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
)

type redirectRule interface {
	Register(queue uint32, fd int) error
	Close() error
}

// setupFailed logs a failed setup stage and returns an error that exits the
// process with status 1 once run has released what it acquired.
func setupFailed(stage string, err error) error {
	fields := []zap.Field{zap.String("stage", stage), zap.Error(err)}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		fields = append(fields, zap.Int("errno", int(errno)))
	}
	logger.Error("setup failed", fields...)
	return cli.Exit(fmt.Errorf("%s: %w", stage, err), 1)
}

func handler(tr *translate.Translator) afxdp.Handler {
	return func(p *afxdp.Packet) afxdp.Verdict {
		if tr.Translate(p.Buf) {
			return afxdp.Transmit
		}
		return afxdp.Recycle
	}
}

func joinMulticast(ctx context.Context, conf *Config) (sess *mcast.Session, r mcast.Report) {
	sess, err := mcast.Open(ctx)
	if err != nil {
		logger.Warn("multicast socket unavailable", zap.Error(err))
		return nil, r
	}
	r = mcast.JoinAll(mcast.NetlinkEnumerator{}, sess, conf.Group(), mcast.Retry{
		Attempts: conf.Multicast.JoinAttempts,
		Delay:    conf.Multicast.JoinDelay,
	})
	return sess, r
}

func snapshot(ifname string) ifacestat.Stats {
	s, err := ifacestat.Snapshot([]string{ifname}, ifacestat.All...)
	if err != nil {
		logger.Warn("reading interface counters", zap.String("ifname", ifname), zap.Error(err))
		return nil
	}
	return s
}

func printReport(w io.Writer, elapsed time.Duration, fwd afxdp.ForwarderStats,
	tr translate.Stats, joined mcast.Report) {
	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed.Seconds())
	p.Fprintf(w, " Frames:            %d\n", fwd.Frames)
	p.Fprintf(w, " Bytes:             %d (%s)\n", fwd.Bytes, humanize.Bytes(fwd.Bytes))
	p.Fprintf(w, " Inspected:         %d\n", tr.Inspected)
	p.Fprintf(w, " Erased:            %d\n", tr.Erased)
	p.Fprintf(w, " Reflected:         %d\n", tr.Reflected)
	p.Fprintf(w, " Transmitted:       %d\n", fwd.Transmitted)
	p.Fprintf(w, " Dropped:           %d\n", fwd.Dropped)
	if s := elapsed.Seconds(); s > 0 {
		p.Fprintf(w, " Avg PPS:           %d\n", uint64(float64(fwd.Frames)/s))
	}
	p.Fprintf(w, " Multicast joined:  %d of %d\n", joined.Joined, joined.Attempted)
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c)
	if errors.Is(err, ErrNoIfIndex) || errors.Is(err, ErrInvalidIfIndex) {
		fmt.Fprintln(c.App.ErrWriter, err)
		cli.ShowAppHelpAndExit(c, 1)
	}
	if err != nil {
		return setupFailed("config", err)
	}

	if b, err := yaml.Marshal(conf); err == nil {
		logger.Debug("final config", zap.String("yaml", string(b)))
	}

	ifc, err := net.InterfaceByIndex(conf.IfIndex)
	if err != nil {
		return setupFailed("interface", err)
	}

	if err := probe(); err != nil {
		return setupFailed("probe", err)
	}

	umem, err := newUMEM(conf.Chunks, conf.ChunkSize)
	if err != nil {
		return setupFailed("umem", err)
	}
	defer umem.Close()

	sock, err := openSocket(umem, afxdp.SocketConfig{
		IfIndex:        conf.IfIndex,
		QueueID:        conf.Queue,
		PreferZerocopy: conf.Zerocopy,
		EnableTx:       conf.Mode == translate.ModeReflect,
	})
	if err != nil {
		return setupFailed("socket", err)
	}
	defer sock.Close()

	tr := translate.New(conf.Mode)
	fc := sock.ForwarderConfig()
	fc.Handler = handler(tr)
	fc.Idle = idle.New(idle.DefaultSpinLimit, conf.IdleMaxSleep)
	fc.MaxFrames = conf.MaxFrames
	fwd, err := afxdp.NewForwarder(fc)
	if err != nil {
		return setupFailed("forwarder", err)
	}
	if err := fwd.Prime(); err != nil {
		return setupFailed("fill", err)
	}

	rule, err := installRule(xdp.Rule{
		IfIndex:    conf.IfIndex,
		UDPDstPort: conf.Port,
		DriverMode: sock.IsZerocopy(),
	})
	if err != nil {
		return setupFailed("rule", err)
	}
	defer rule.Close()
	if err := rule.Register(conf.Queue, sock.FD()); err != nil {
		return setupFailed("register", err)
	}

	logger.Info("socket ready",
		zap.String("ifname", ifc.Name),
		zap.Int("ifindex", conf.IfIndex),
		zap.Uint32("queue", conf.Queue),
		zap.Uint16("port", conf.Port),
		zap.Bool("zerocopy", sock.IsZerocopy()),
		zap.Stringer("mode", conf.Mode),
		zap.Uint32("chunks", conf.Chunks),
		zap.Uint32("chunk-size", conf.ChunkSize),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var joined mcast.Report
	if !conf.Multicast.Disabled {
		var sess *mcast.Session
		if sess, joined = joinMulticast(ctx, conf); sess != nil {
			defer sess.Close()
		}
	}

	var before ifacestat.Stats
	if conf.Counters {
		before = snapshot(ifc.Name)
	}

	start := time.Now()
	err = fwd.Run(ctx)
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("forwarder failed", zap.Error(err))
		return cli.Exit(err, 1)
	}

	printReport(c.App.Writer, elapsed, fwd.Stats(), tr.Stats(), joined)
	if before != nil {
		if after := snapshot(ifc.Name); after != nil {
			fmt.Fprintln(c.App.Writer)
			if err := ifacestat.Print(c.App.Writer, after.Since(before), nil); err != nil {
				logger.Warn("printing counters", zap.Error(err))
			}
		}
	}
	return nil
}

var app = &cli.App{
	Name:      "xskfwd",
	Usage:     "Receive UDP frames through an AF_XDP socket and rewrite them in place.",
	ArgsUsage: "IFINDEX",
	Flags:     newFlags(),
	Action:    run,
}

func main() {
	defer logging.Sync()
	if err := app.Run(os.Args); err != nil {
		logger.Fatal("exit", zap.Error(err))
	}
}
