package server

import (
	"context"
	"crypto/tls"

	"github.com/rs/zerolog"

	"github.com/stellite/stellite/config"
	"github.com/stellite/stellite/fetcher"
	"github.com/stellite/stellite/proxy"
	"github.com/stellite/stellite/rewrite"
)

// Worker binds one UDP socket, one dispatcher, one fetcher and one proxy.
// Workers are independent; parallelism comes from several workers binding the
// same port with SO_REUSEPORT so the kernel hashes datagrams between them.
type Worker struct {
	index      int
	cfg        *config.ServerConfig
	tlsConfig  *tls.Config
	log        *zerolog.Logger
	fetcher    *fetcher.Fetcher
	proxy      *proxy.Proxy
	dispatcher *Dispatcher
}

func NewWorker(
	index int,
	cfg *config.ServerConfig,
	tlsConfig *tls.Config,
	rewriter *rewrite.Rewriter,
	log *zerolog.Logger,
) (*Worker, error) {
	workerLog := log.With().Int("worker", index).Logger()

	f := fetcher.New(fetcher.Options{
		DefaultTimeout: cfg.ProxyTimeout(),
	}, &workerLog)

	p, err := proxy.NewProxy(f, cfg.ProxyPass, rewriter, cfg.ProxyTimeout(), &workerLog)
	if err != nil {
		return nil, err
	}

	return &Worker{
		index:     index,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		log:       &workerLog,
		fetcher:   f,
		proxy:     p,
	}, nil
}

// Start opens the socket, applies the buffer sizes and begins dispatching.
// It blocks until ctx ends or the worker fails; other workers are unaffected
// by this worker's failure.
func (w *Worker) Start(ctx context.Context) error {
	conn, err := openUDPSocket(w.cfg.BindAddress, w.cfg.QuicPort, w.cfg.SendBufferSize, w.cfg.RecvBufferSize)
	if err != nil {
		return err
	}

	dispatcher, err := NewDispatcher(conn, w.tlsConfig, w.proxy, w.cfg.DispatchContinuity, w.log)
	if err != nil {
		_ = conn.Close()
		return err
	}
	w.dispatcher = dispatcher

	w.log.Info().Msgf("Listening on %s", conn.LocalAddr())

	err = dispatcher.Run(ctx)
	w.stop(conn)
	return err
}

// SetRewriter installs a new rewrite table on the worker's proxy.
func (w *Worker) SetRewriter(r *rewrite.Rewriter) {
	w.proxy.SetRewriter(r)
}

func (w *Worker) stop(conn interface{ Close() error }) {
	w.dispatcher.Shutdown()
	w.fetcher.CancelAll()
	w.fetcher.CloseIdleConnections()
	_ = conn.Close()
	w.log.Info().Msg("Worker stopped")
}
