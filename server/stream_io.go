package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// streamWriter owns the send half of a request stream. The response head and
// body chunks arrive on the fetcher task's goroutine while the serving
// goroutine may be tearing the stream down, so every write and every close
// serializes on one mutex. The read half stays with the serving goroutine
// and never takes the lock.
type streamWriter struct {
	mu           sync.Mutex
	stream       quic.Stream
	writeTimeout time.Duration
	log          *zerolog.Logger
	aborted      atomic.Bool
}

func newStreamWriter(stream quic.Stream, writeTimeout time.Duration, log *zerolog.Logger) *streamWriter {
	return &streamWriter{
		stream:       stream,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted.Load() {
		return 0, net.ErrClosed
	}
	if w.writeTimeout > 0 {
		if err := w.stream.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			w.log.Error().Err(err).Msg("Cannot arm write deadline on request stream")
		}
	}
	n, err := w.stream.Write(p)
	if err != nil {
		w.resetIfUnwritable(err)
	}
	return n, err
}

// resetIfUnwritable handles a write that ran out its deadline. A peer that
// stopped reading keeps the stream's flow-control window closed forever;
// resetting the send half frees the buffered response frames instead of
// pinning them until session teardown.
func (w *streamWriter) resetIfUnwritable(err error) {
	if w.aborted.Load() {
		return
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		return
	}
	if !errors.Is(netErr, &idleTimeoutError) {
		w.log.Error().Err(netErr).
			Int64("streamID", int64(w.stream.StreamID())).
			Msg("Resetting response stream after write timeout")
	}
	w.stream.CancelWrite(streamErrorWriteTimeout)
}

// Fin half-closes the stream after the last response byte; the peer's read
// side observes EOF.
func (w *streamWriter) Fin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.Close()
}

// Abort resets both halves of the stream with the given error code. Arming
// an immediate deadline first kicks any in-flight Write off the mutex, so
// Abort never waits out a full write timeout behind a stalled peer.
func (w *streamWriter) Abort(code quic.StreamErrorCode) {
	w.aborted.Store(true)
	_ = w.stream.SetWriteDeadline(time.Now())

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stream.CancelRead(code)
	w.stream.CancelWrite(code)
}

// The quic-go error raised when a write deadline expired because the
// connection itself went idle; not worth logging.
var idleTimeoutError = quic.IdleTimeoutError{}
