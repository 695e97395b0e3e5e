// Command capsuled is the capsule host daemon. It listens for capsule
// uploads on the raw chunked protocol and on CoAP, and runs whichever
// capsule arrived last.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/capsule"
	"github.com/wippyai/wasm-capsule/coap"
	"github.com/wippyai/wasm-capsule/config"
	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/scheduler"
	"github.com/wippyai/wasm-capsule/transfer"
)

const (
	advertisementWait = 100 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to device configuration (TOML)")
		staticFile  = flag.String("static", "", "Capsule to start at boot")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	dev := config.DefaultDevice()
	if *configFile != "" {
		var err error
		if dev, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "stdout is not a terminal, running without TUI")
		*interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dev, *staticFile, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the daemon logger. A non-nil sink replaces stderr.
func newLogger(cfg config.Log, sink io.Writer) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if sink == nil {
		return zc.Build()
	}
	enc := zapcore.NewConsoleEncoder(zc.EncoderConfig)
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(sink), level)), nil
}

func run(ctx context.Context, dev config.Device, staticFile string, interactive bool) error {
	var logs *logRing
	var sink io.Writer
	if interactive {
		logs = newLogRing(200)
		sink = logs
	}
	logger, err := newLogger(dev.Log, sink)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	engine.SetLogger(logger.Named("engine"))

	e, err := engine.New(ctx, dev.Runtime)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	led := &capability.SimLED{}
	button := capability.NewSimButton()
	hostOpts := []capability.Option{
		capability.WithLogger(logger.Named("capsule")),
		capability.WithUDPLimits(dev.Capabilities.UDPSendRate, dev.Capabilities.UDPSendBurst, dev.Capabilities.UDPQueue),
	}
	if dev.Capabilities.SimulateGPIO {
		hostOpts = append(hostOpts, capability.WithLED(led), capability.WithButton(button))
	}
	caps := capability.New(hostOpts...)
	ble := caps.BLE

	mgrOpts := []capsule.Option{capsule.WithLogger(logger.Named("lifecycle"))}
	if dev.Scheduler.FreshCapabilities {
		mgrOpts = append(mgrOpts, capsule.WithHostFactory(func() *capability.Host {
			h := capability.New(hostOpts...)
			h.BLE = ble
			return h
		}))
	}
	m := capsule.NewManager(e, caps, dev.Transfer.BufferSize, mgrOpts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = m.Close(closeCtx)
	}()

	if staticFile != "" {
		bin, err := os.ReadFile(staticFile)
		if err != nil {
			return fmt.Errorf("read static capsule: %w", err)
		}
		if err := m.StartFromStatic(ctx, bin); err != nil {
			logger.Warn("static capsule failed to start, waiting for a transfer", zap.Error(err))
		}
	}

	// Transports bind before any goroutine starts.
	var src transfer.Source = transfer.ChanSource(nil)
	if dev.Transfer.RawListen != "" {
		udp, err := transfer.ListenUDP(dev.Transfer.RawListen, dev.Transfer.DatagramSize)
		if err != nil {
			return err
		}
		logger.Info("raw transfer listening", zap.Stringer("addr", udp.Addr()))
		src = udp
	}
	defer src.Close()

	var srv *coap.Server
	if dev.Transfer.CoAPListen != "" {
		coapLogger := logger.Named("coap")
		d := coap.NewDispatcher(m, coapLogger, coap.WithForwardTimeout(dev.Transfer.CoAPForwardTimeout.Duration))
		if srv, err = coap.Listen(dev.Transfer.CoAPListen, d, coapLogger); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(m, src, dev.Runtime.Target.WordSize(),
		scheduler.WithRunTimeout(dev.Scheduler.RunTimeout.Duration),
		scheduler.WithLogger(logger.Named("scheduler")),
	)
	g.Go(func() error { return sched.Run(gctx) })

	if srv != nil {
		g.Go(func() error { return srv.Serve(gctx) })
	}

	g.Go(func() error {
		scheduler.ForwardAdvertisements(gctx, m, ble.Reports(), advertisementWait, logger.Named("ble"))
		return nil
	})

	if interactive {
		d := newDashboard(m, led, button, ble, logs, cancel)
		g.Go(func() error { return runDashboard(gctx, d) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutting down")
	return err
}
