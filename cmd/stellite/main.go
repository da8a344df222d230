package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/stellite/stellite/config"
	"github.com/stellite/stellite/daemon"
	"github.com/stellite/stellite/logger"
	"github.com/stellite/stellite/metrics"
	"github.com/stellite/stellite/server"
)

// set at compile time
var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "stellite",
		Usage:   "QUIC reverse proxy: terminates QUIC connections and forwards requests to a single backend origin",
		Version: Version,
		Flags:   flags(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  config.QuicPortFlag,
			Usage: "UDP port to listen on for QUIC",
			Value: config.DefaultQuicPort,
		},
		&cli.StringFlag{
			Name:  config.BindAddressFlag,
			Usage: "IP address to bind the UDP socket",
			Value: config.DefaultBindAddress,
		},
		&cli.IntFlag{
			Name:  config.WorkerCountFlag,
			Usage: "Number of workers sharing the UDP port",
			Value: config.DefaultWorkerCount,
		},
		&cli.IntFlag{
			Name:  config.DispatchContinuityFlag,
			Usage: "Consecutive synchronous dispatches before yielding (1..32)",
			Value: config.DefaultDispatchContinuity,
		},
		&cli.IntFlag{
			Name:  config.SendBufferSizeFlag,
			Usage: "UDP send buffer size in bytes",
			Value: config.DefaultSendBufferSize,
		},
		&cli.IntFlag{
			Name:  config.RecvBufferSizeFlag,
			Usage: "UDP receive buffer size in bytes",
			Value: config.DefaultRecvBufferSize,
		},
		&cli.StringFlag{
			Name:  config.ProxyPassFlag,
			Usage: "Backend origin to forward requests to (scheme://host:port)",
		},
		&cli.IntFlag{
			Name:  config.ProxyTimeoutFlag,
			Usage: "Per-request backend timeout in seconds",
			Value: 30,
		},
		&cli.StringFlag{
			Name:  config.KeyfileFlag,
			Usage: "TLS private key file (PKCS#8 PEM)",
		},
		&cli.StringFlag{
			Name:  config.CertfileFlag,
			Usage: "TLS certificate chain file (PEM)",
		},
		&cli.StringFlag{
			Name:  config.ConfigFileFlag,
			Usage: "JSON config file; overrides individual flags",
		},
		&cli.BoolFlag{
			Name:  "daemon",
			Usage: "Run in the background",
		},
		&cli.BoolFlag{
			Name:  "stop",
			Usage: "Stop a running daemon via its pidfile",
		},
		&cli.BoolFlag{
			Name:  logger.LogToFileFlag,
			Usage: "Enable rotated file logging",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Directory for rotated log files",
		},
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Usage: "Application logging level {debug, info, warn, error, fatal}",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Save application log to this file",
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "Serve Prometheus metrics and health checks on this address",
			Value: "localhost:6070",
		},
	}
}

func run(c *cli.Context) error {
	if c.Bool("stop") {
		return daemon.Stop(daemon.DefaultPidfilePath)
	}

	if c.Bool("daemon") && daemon.ShouldFork() {
		pid, err := daemon.Fork()
		if err != nil {
			return err
		}
		fmt.Printf("stellite daemon started, pid %d\n", pid)
		return nil
	}

	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)

	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}

	pidfile, err := daemon.Acquire(daemon.DefaultPidfilePath)
	if err != nil {
		return err
	}
	defer pidfile.Release()

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	readyServer := metrics.NewReadyServer()
	srv.OnReady = func(workerIndex int) {
		readyServer.SetWorkerReady(workerIndex, true)
	}

	metrics.RegisterBuildInfo(BuildTime, Version)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if metricsAddr := c.String("metrics"); metricsAddr != "" {
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return metrics.ServeMetrics(metricsListener, ctx, metrics.Config{
				ReadyServer: readyServer,
			}, log)
		})
	}

	if configPath := c.String(config.ConfigFileFlag); configPath != "" {
		group.Go(func() error {
			return config.WatchForRewriteChanges(ctx, configPath, srv.SetRewriter, log)
		})
	}

	group.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info().Msgf("stellite %s starting, %d worker(s) on %s:%d",
		Version, cfg.WorkerCount, cfg.BindAddress, cfg.QuicPort)

	return group.Wait()
}
