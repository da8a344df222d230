package server

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/stellite/stellite/proxy"
)

const (
	// Flow control: per-stream and per-connection receive windows.
	initialStreamReceiveWindow     = 64 * 1024
	initialConnectionReceiveWindow = 1024 * 1024

	maxIncomingStreams = 1024
	maxIdleTimeout     = 30 * time.Second
)

// Dispatcher owns the QUIC listener and the map of live sessions. The codec
// handles CID demultiplexing, buffered CHLOs, retry tokens and version
// negotiation; the dispatcher drives accepts and session lifecycles.
type Dispatcher struct {
	transport *quic.Transport
	listener  *quic.Listener
	proxy     *proxy.Proxy
	log       *zerolog.Logger
	budget    *continuityBudget

	continuity int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDispatcher wraps the worker's UDP socket into a QUIC transport and
// starts listening.
func NewDispatcher(
	conn net.PacketConn,
	tlsConfig *tls.Config,
	p *proxy.Proxy,
	dispatchContinuity int,
	log *zerolog.Logger,
) (*Dispatcher, error) {
	transport := &quic.Transport{Conn: conn}
	listener, err := transport.Listen(tlsConfig, newQuicConfig())
	if err != nil {
		_ = transport.Close()
		return nil, errors.Wrap(err, "cannot listen for QUIC connections")
	}
	return &Dispatcher{
		transport:  transport,
		listener:   listener,
		proxy:      p,
		log:        log,
		budget:     newContinuityBudget(dispatchContinuity),
		continuity: dispatchContinuity,
		sessions:   make(map[string]*Session),
	}, nil
}

func newQuicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 maxIdleTimeout,
		InitialStreamReceiveWindow:     initialStreamReceiveWindow,
		InitialConnectionReceiveWindow: initialConnectionReceiveWindow,
		MaxIncomingStreams:             maxIncomingStreams,
		Allow0RTT:                      true,
	}
}

// Run accepts connections until ctx ends or the listener is closed. Each
// accepted connection becomes a session with exactly one entry in the session
// map for as long as it lives. Consecutive synchronous accepts are bounded by
// the dispatch continuity before the loop yields.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := d.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "failed to accept QUIC connection")
		}

		session := newSession(conn, d.proxy, d.continuity, d.log)
		d.register(session)
		acceptedSessions.Inc()
		activeSessions.Inc()

		d.log.Debug().
			Str("sessionID", session.ID()).
			Str("clientAddr", conn.RemoteAddr().String()).
			Bool("used0RTT", conn.ConnectionState().Used0RTT).
			Msg("Session accepted")

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer activeSessions.Dec()
			_ = session.Serve(ctx)
			d.unregister(session)
		}()

		if d.budget.spend() {
			runtime.Gosched()
		}
	}
}

func (d *Dispatcher) register(s *Session) {
	d.mu.Lock()
	d.sessions[s.ID()] = s
	d.mu.Unlock()
}

func (d *Dispatcher) unregister(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()
}

// SessionCount reports the number of live sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Shutdown closes every session with a graceful error code and then the
// listener, unblocking Run.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close(connErrorShutdown, "server shutting down")
	}

	_ = d.listener.Close()
	_ = d.transport.Close()
}
