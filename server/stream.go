package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/stellite/stellite/proxy"
)

// Stream error codes surfaced to the peer on resets.
const (
	streamErrorNone         quic.StreamErrorCode = 0x0
	streamErrorProtocol     quic.StreamErrorCode = 0x1
	streamErrorInternal     quic.StreamErrorCode = 0x2
	streamErrorWriteTimeout quic.StreamErrorCode = 0x3
)

const streamWriteTimeout = 30 * time.Second

// StreamState tracks the request stream through its lifecycle.
type StreamState int32

const (
	StreamHeadersPending StreamState = iota
	StreamBodyReading
	StreamRequestAssembled
	StreamFetchInFlight
	StreamResponseStreaming
	StreamDone
)

func (s StreamState) String() string {
	switch s {
	case StreamHeadersPending:
		return "headers_pending"
	case StreamBodyReading:
		return "body_reading"
	case StreamRequestAssembled:
		return "request_assembled"
	case StreamFetchInFlight:
		return "fetch_in_flight"
	case StreamResponseStreaming:
		return "response_streaming"
	case StreamDone:
		return "done"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[StreamState][]StreamState{
	StreamHeadersPending:    {StreamBodyReading, StreamRequestAssembled, StreamDone},
	StreamBodyReading:       {StreamRequestAssembled, StreamDone},
	StreamRequestAssembled:  {StreamFetchInFlight, StreamDone},
	StreamFetchInFlight:     {StreamResponseStreaming, StreamDone},
	StreamResponseStreaming: {StreamDone},
}

// RequestStream carries one HTTP exchange over a client-initiated
// bidirectional QUIC stream: request head and body inbound, response head and
// body outbound, FIN both ways.
type RequestStream struct {
	id      quic.StreamID
	raw     quic.Stream
	writer  *streamWriter
	proxy   *proxy.Proxy
	log     *zerolog.Logger
	state   atomic.Int32
	headers bool // response head written
}

func newRequestStream(stream quic.Stream, p *proxy.Proxy, log *zerolog.Logger) *RequestStream {
	return &RequestStream{
		id:     stream.StreamID(),
		raw:    stream,
		writer: newStreamWriter(stream, streamWriteTimeout, log),
		proxy:  p,
		log:    log,
	}
}

// State returns the stream's current lifecycle state.
func (rs *RequestStream) State() StreamState {
	return StreamState(rs.state.Load())
}

// transition moves the state machine forward, logging any illegal move. All
// transitions happen on the stream's serving goroutine.
func (rs *RequestStream) transition(next StreamState) {
	current := rs.State()
	legal := false
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			legal = true
			break
		}
	}
	if !legal {
		rs.log.Error().
			Int64("streamID", int64(rs.id)).
			Str("from", current.String()).
			Str("to", next.String()).
			Msg("Illegal stream state transition")
		return
	}
	rs.state.Store(int32(next))
}

// Run serves the stream to completion. The context is the owning session's;
// its cancellation detaches any in-flight fetch before the stream is dropped.
func (rs *RequestStream) Run(ctx context.Context) {
	defer rs.transition(StreamDone)

	req, err := rs.readRequest()
	if err != nil {
		rs.log.Debug().Err(err).Int64("streamID", int64(rs.id)).Msg("Rejecting malformed request stream")
		rs.writer.Abort(streamErrorProtocol)
		return
	}

	rs.transition(StreamFetchInFlight)
	if err := rs.proxy.ProxyHTTP(ctx, rs, req.WithContext(ctx)); err != nil {
		// response headers already went out or the session died;
		// the client observes a reset instead of a stalled stream
		rs.writer.Abort(streamErrorInternal)
	}
}

// readRequest assembles the request head and validates the pseudo-header
// surface: method, path and authority must be present.
func (rs *RequestStream) readRequest() (*http.Request, error) {
	reader := bufio.NewReader(rs.raw)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, err
	}

	if req.Method == "" || req.URL == nil || req.URL.Path == "" {
		return nil, fmt.Errorf("incomplete request line")
	}
	if req.Host == "" {
		return nil, fmt.Errorf("missing authority")
	}

	if req.ContentLength != 0 || len(req.TransferEncoding) > 0 {
		rs.transition(StreamBodyReading)
	}
	rs.transition(StreamRequestAssembled)
	return req, nil
}

// WriteRespHeaders writes the response head. Called at most once, when
// backend headers (or a synthesized error) are ready.
func (rs *RequestStream) WriteRespHeaders(status int, header http.Header) error {
	if rs.headers {
		return fmt.Errorf("response headers written twice")
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	if err := header.Write(&head); err != nil {
		return err
	}
	head.WriteString("\r\n")
	if _, err := rs.writer.Write(head.Bytes()); err != nil {
		return err
	}
	rs.headers = true
	rs.transition(StreamResponseStreaming)
	return nil
}

func (rs *RequestStream) Write(p []byte) (int, error) {
	return rs.writer.Write(p)
}

// CloseWrite sends FIN after the response body.
func (rs *RequestStream) CloseWrite() error {
	return rs.writer.Fin()
}

// close tears the stream down, e.g. on session teardown.
func (rs *RequestStream) close() {
	rs.writer.Abort(streamErrorNone)
}
