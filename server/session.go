package server

import (
	"context"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/stellite/stellite/proxy"
)

// Application error codes for CONNECTION_CLOSE.
const (
	connErrorNone     quic.ApplicationErrorCode = 0x0
	connErrorShutdown quic.ApplicationErrorCode = 0x100
)

// SessionState tracks the connection lifecycle. Only an open session accepts
// new streams.
type SessionState int32

const (
	SessionOpen SessionState = iota
	SessionDraining
	SessionClosed
)

// Session owns one QUIC connection and the request streams multiplexed on
// it. Streams live strictly within their session: tearing the session down
// closes every stream and detaches their in-flight fetches.
type Session struct {
	id       string
	conn     quic.Connection
	proxy    *proxy.Proxy
	log      *zerolog.Logger
	budget   *continuityBudget
	state    atomic.Int32
	streams  map[quic.StreamID]*RequestStream
	streamMu sync.Mutex
}

func newSession(conn quic.Connection, p *proxy.Proxy, dispatchContinuity int, log *zerolog.Logger) *Session {
	id := uuid.NewString()
	sessionLog := log.With().Str("sessionID", id).Logger()
	return &Session{
		id:      id,
		conn:    conn,
		proxy:   p,
		log:     &sessionLog,
		budget:  newContinuityBudget(dispatchContinuity),
		streams: make(map[quic.StreamID]*RequestStream),
	}
}

// ID is the session's log correlation id. The QUIC-layer connection ids live
// inside the codec; this id is stable for the session's lifetime.
func (s *Session) ID() string {
	return s.id
}

// ClientAddr returns the connection's current peer address. The codec remaps
// it on migration, so consecutive calls may differ while streams stay intact.
func (s *Session) ClientAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Serve accepts request streams until the connection ends. Each accepted
// stream runs on its own goroutine; the dispatch-continuity budget bounds
// consecutive synchronous accepts before the loop yields.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	err := s.acceptLoop(ctx, &wg)

	// teardown order matters: mark closed, detach in-flight fetches via
	// the context, wait for stream goroutines, then drop the streams
	s.state.Store(int32(SessionClosed))
	cancel()
	wg.Wait()
	s.closeRemainingStreams()
	_ = s.conn.CloseWithError(connErrorNone, "")
	return err
}

func (s *Session) acceptLoop(ctx context.Context, wg *sync.WaitGroup) error {
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			// peer CLOSE, idle timeout or local shutdown; either way the
			// session is over
			return err
		}

		rs := s.registerStream(stream)
		if rs == nil {
			stream.CancelRead(streamErrorNone)
			stream.CancelWrite(streamErrorNone)
			continue
		}

		activeStreams.Inc()
		wg.Add(1)
		go func(id quic.StreamID) {
			defer wg.Done()
			defer activeStreams.Dec()
			rs.Run(ctx)
			s.unregisterStream(id)
		}(stream.StreamID())

		if s.budget.spend() {
			runtime.Gosched()
		}
	}
}

// registerStream admits a new request stream, or nil when the session no
// longer accepts streams.
func (s *Session) registerStream(stream quic.Stream) *RequestStream {
	if s.State() != SessionOpen {
		return nil
	}
	rs := newRequestStream(stream, s.proxy, s.log)

	s.streamMu.Lock()
	s.streams[stream.StreamID()] = rs
	s.streamMu.Unlock()
	return rs
}

func (s *Session) unregisterStream(id quic.StreamID) {
	s.streamMu.Lock()
	delete(s.streams, id)
	s.streamMu.Unlock()
}

// StreamCount reports the number of live request streams.
func (s *Session) StreamCount() int {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return len(s.streams)
}

// Drain stops admitting new streams while in-flight exchanges finish.
func (s *Session) Drain() {
	s.state.CompareAndSwap(int32(SessionOpen), int32(SessionDraining))
}

// Close terminates the connection with the given application error code.
// AcceptStream unblocks, Serve exits and teardown cancels every stream's
// context, which detaches their fetch visitors before the streams drop.
func (s *Session) Close(code quic.ApplicationErrorCode, reason string) {
	s.state.Store(int32(SessionClosed))
	_ = s.conn.CloseWithError(code, reason)
}

func (s *Session) closeRemainingStreams() {
	s.streamMu.Lock()
	remaining := make([]*RequestStream, 0, len(s.streams))
	for id, rs := range s.streams {
		remaining = append(remaining, rs)
		delete(s.streams, id)
	}
	s.streamMu.Unlock()

	for _, rs := range remaining {
		rs.close()
	}
}
