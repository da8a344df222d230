package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellite/stellite/fetcher"
	"github.com/stellite/stellite/proxy"
	"github.com/stellite/stellite/tlsconfig"
)

var testLogger = zerolog.Nop()

type testPipeline struct {
	dispatcher *Dispatcher
	addr       string
	cancel     context.CancelFunc
}

// startPipeline wires fetcher, proxy and dispatcher onto a loopback UDP
// socket, the way a worker does.
func startPipeline(t *testing.T, proxyPass string, timeout time.Duration) *testPipeline {
	t.Helper()

	tlsConf, err := tlsconfig.GenerateTestTLSConfig()
	require.NoError(t, err)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	f := fetcher.New(fetcher.Options{DefaultTimeout: timeout}, &testLogger)
	p, err := proxy.NewProxy(f, proxyPass, nil, timeout, &testLogger)
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(udpConn, tlsConf, p, 16, &testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = dispatcher.Run(ctx)
	}()

	pipeline := &testPipeline{
		dispatcher: dispatcher,
		addr:       udpConn.LocalAddr().String(),
		cancel:     cancel,
	}
	t.Cleanup(func() {
		cancel()
		dispatcher.Shutdown()
		f.CancelAll()
		_ = udpConn.Close()
	})
	return pipeline
}

func dialSession(t *testing.T, addr string) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{tlsconfig.NextProtoSTQ},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseWithError(0, "") })
	return conn
}

func roundTrip(t *testing.T, conn quic.Connection, raw string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	_, err = stream.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, stream.Close()) // FIN the request

	resp, err := http.ReadResponse(bufio.NewReader(stream), nil)
	require.NoError(t, err)
	return resp
}

func TestGetPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("get"))
	}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)
	conn := dialSession(t, pipeline.addr)

	resp := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: proxy:4430\r\n\r\n")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "get", string(body))
}

func TestPostBodyForwarded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello world", string(body))
		_, _ = w.Write([]byte("post"))
	}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)
	conn := dialSession(t, pipeline.addr)

	raw := "POST / HTTP/1.1\r\nHost: proxy:4430\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nhello world"
	resp := roundTrip(t, conn, raw)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "post", string(body))
}

func TestBackendTimeoutSynthesizes504(t *testing.T) {
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	pipeline := startPipeline(t, backend.URL, 100*time.Millisecond)
	conn := dialSession(t, pipeline.addr)

	start := time.Now()
	resp := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: proxy:4430\r\n\r\n")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "timed_out", string(body))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestChunkedResponseStreams(t *testing.T) {
	const chunkCount = 100
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < chunkCount; i++ {
			_, _ = fmt.Fprintf(w, "chunk-%d\n", i)
			flusher.Flush()
		}
	}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 10*time.Second)
	conn := dialSession(t, pipeline.addr)

	resp := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: proxy:4430\r\n\r\n")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, chunkCount, strings.Count(string(body), "\n"))
}

func TestMultipleStreamsOnOneSession(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "path=%s", r.URL.Path)
	}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)
	conn := dialSession(t, pipeline.addr)

	for i := 0; i < 10; i++ {
		raw := fmt.Sprintf("GET /req-%d HTTP/1.1\r\nHost: proxy:4430\r\n\r\n", i)
		resp := roundTrip(t, conn, raw)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("path=/req-%d", i), string(body))
	}

	assert.Equal(t, 1, pipeline.dispatcher.SessionCount())
}

func TestMalformedRequestResetsStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)
	conn := dialSession(t, pipeline.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	_, err = stream.Write([]byte("not an http request at all\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	buf := make([]byte, 64)
	_, err = stream.Read(buf)
	require.Error(t, err)

	var streamErr *quic.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, streamErrorProtocol, streamErr.ErrorCode)
}

func TestSessionMapTracksLifecycle(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)

	conn := dialSession(t, pipeline.addr)
	resp := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: proxy:4430\r\n\r\n")
	resp.Body.Close()
	assert.Equal(t, 1, pipeline.dispatcher.SessionCount())

	require.NoError(t, conn.CloseWithError(0, "bye"))
	require.Eventually(t, func() bool {
		return pipeline.dispatcher.SessionCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	pipeline := startPipeline(t, backend.URL, 5*time.Second)
	conn := dialSession(t, pipeline.addr)

	resp := roundTrip(t, conn, "GET / HTTP/1.1\r\nHost: proxy:4430\r\n\r\n")
	resp.Body.Close()

	pipeline.dispatcher.Shutdown()

	// the peer observes the application close on its next operation
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := conn.AcceptStream(ctx)
	var appErr *quic.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, connErrorShutdown, appErr.ErrorCode)
}

func TestSessionTeardownCancelsInflightFetch(t *testing.T) {
	entered := make(chan struct{})
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	pipeline := startPipeline(t, backend.URL, 30*time.Second)
	conn := dialSession(t, pipeline.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("GET /slow HTTP/1.1\r\nHost: proxy:4430\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	<-entered
	require.NoError(t, conn.CloseWithError(0, "going away"))

	require.Eventually(t, func() bool {
		return pipeline.dispatcher.SessionCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}
