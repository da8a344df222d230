// Package server implements the QUIC dispatch pipeline: UDP sockets, the
// QUIC dispatcher, per-connection sessions, per-stream request handling and
// the workers that bind them together.
package server

import (
	"context"
	"crypto/tls"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stellite/stellite/config"
	"github.com/stellite/stellite/rewrite"
	"github.com/stellite/stellite/tlsconfig"
)

// Server runs the configured number of workers against one ServerConfig.
type Server struct {
	cfg       *config.ServerConfig
	tlsConfig *tls.Config
	log       *zerolog.Logger
	workers   []*Worker

	// OnReady is invoked once per worker when it starts listening. Used by
	// the readiness endpoint.
	OnReady func(workerIndex int)
}

// New validates the configuration, loads the TLS material and builds the
// workers. Errors here are startup failures.
func New(cfg *config.ServerConfig, log *zerolog.Logger) (*Server, error) {
	tlsConf, _, err := tlsconfig.CreateServerConfig(cfg.Certfile, cfg.Keyfile)
	if err != nil {
		return nil, err
	}
	return newWithTLS(cfg, tlsConf, log)
}

// NewWithTLSConfig is like New but takes a ready-made TLS config. Tests use
// it with self-signed certificates.
func NewWithTLSConfig(cfg *config.ServerConfig, tlsConf *tls.Config, log *zerolog.Logger) (*Server, error) {
	return newWithTLS(cfg, tlsConf, log)
}

func newWithTLS(cfg *config.ServerConfig, tlsConf *tls.Config, log *zerolog.Logger) (*Server, error) {
	rewriter, err := cfg.BuildRewriter()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		tlsConfig: tlsConf,
		log:       log,
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		worker, err := NewWorker(i, cfg, tlsConf, rewriter, log)
		if err != nil {
			return nil, err
		}
		s.workers = append(s.workers, worker)
	}
	return s, nil
}

// Run starts every worker and blocks until ctx ends or every worker has
// failed. One worker failing does not stop the others; the server only
// errors out when none is left serving.
func (s *Server) Run(ctx context.Context) error {
	var group errgroup.Group
	errs := make([]error, len(s.workers))
	for i, worker := range s.workers {
		index, w := i, worker
		group.Go(func() error {
			if s.OnReady != nil {
				s.OnReady(index)
			}
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Int("worker", index).Msg("Worker failed")
				errs[index] = err
			}
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return nil
	}
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	// every worker failed
	return errs[0]
}

// SetRewriter swaps the rewrite table across every worker. Driven by the
// config file watcher.
func (s *Server) SetRewriter(r *rewrite.Rewriter) {
	for _, worker := range s.workers {
		worker.SetRewriter(r)
	}
}
