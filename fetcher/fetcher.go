// Package fetcher manages outbound HTTP requests to the backend: one task per
// request, a monotone request id space, per-task one-shot timeouts, chunked
// uploads and streamed responses.
package fetcher

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

const (
	// DefaultRequestTimeout applies when the caller passes a non-positive
	// timeout.
	DefaultRequestTimeout = 60 * time.Second

	defaultMaxIdleConns    = 100
	defaultIdleConnTimeout = 90 * time.Second
	defaultConnectTimeout  = 30 * time.Second
	defaultTCPKeepAlive    = 30 * time.Second

	retryBaseTime = 500 * time.Millisecond
)

// Options configures the shared outbound transport.
type Options struct {
	// DefaultTimeout overrides DefaultRequestTimeout when positive.
	DefaultTimeout time.Duration

	// TLSClientConfig is used for https backends. Nil means library defaults.
	TLSClientConfig *tls.Config

	// DisableHTTP2 pins the backend connection to HTTP/1.1.
	DisableHTTP2 bool

	// MaxIdleConns bounds the keep-alive pool. Zero means the default.
	MaxIdleConns int
}

// Fetcher issues backend requests and tracks them by request id until a
// terminal delivery. Safe for concurrent use.
type Fetcher struct {
	transport      *http.Transport
	log            *zerolog.Logger
	defaultTimeout time.Duration

	lastRequestID atomic.Int64

	mu    sync.Mutex
	tasks map[int64]*task
}

func New(opts Options, log *zerolog.Logger) *Fetcher {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	transport := newTransport(opts)
	if !opts.DisableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			log.Error().Err(err).Msg("Cannot enable HTTP/2 on the backend transport")
		}
	}
	return &Fetcher{
		transport:      transport,
		log:            log,
		defaultTimeout: timeout,
		tasks:          make(map[int64]*task),
	}
}

func newTransport(opts Options) *http.Transport {
	maxIdle := opts.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	dialer := &net.Dialer{
		Timeout:   defaultConnectTimeout,
		KeepAlive: defaultTCPKeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       opts.TLSClientConfig,
		// The proxy relays Content-Encoding verbatim; decoding is an
		// explicit, buffered-mode-only step.
		DisableCompression: true,
	}
}

// Request mints a request id and starts the task. The id is assigned before
// the task runs; ids are unique and, per caller goroutine, observed in
// issue order. A non-positive timeout selects the fetcher default.
func (f *Fetcher) Request(req *Request, timeout time.Duration, visitor *VisitorRef) int64 {
	id := f.lastRequestID.Add(1)
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	t := newTask(f, id, req, timeout, visitor)

	f.mu.Lock()
	f.tasks[id] = t
	f.mu.Unlock()

	outstandingTasks.Inc()
	totalTasks.Inc()

	go t.run()
	return id
}

// AppendChunkToUpload feeds one chunk into a chunked-upload task. Empty data
// is only valid on the final call.
func (f *Fetcher) AppendChunkToUpload(requestID int64, data []byte, fin bool) error {
	t := f.findTask(requestID)
	if t == nil {
		return errors.Errorf("no such request: %d", requestID)
	}
	if !t.req.ChunkedUpload {
		return errors.Errorf("request %d is not a chunked upload", requestID)
	}
	if len(data) == 0 && !fin {
		return errors.Errorf("request %d: empty chunk on a non-terminal call", requestID)
	}
	return t.appendChunk(data, fin)
}

// Cancel stops a task: the underlying request is aborted, the timeout timer
// cancelled, the task removed. The visitor is not invoked after Cancel returns.
func (f *Fetcher) Cancel(requestID int64) {
	f.mu.Lock()
	t, ok := f.tasks[requestID]
	if ok {
		delete(f.tasks, requestID)
	}
	f.mu.Unlock()

	if ok {
		t.stop()
		outstandingTasks.Dec()
	}
}

// CancelAll cancels every in-flight task.
func (f *Fetcher) CancelAll() {
	f.mu.Lock()
	tasks := make([]*task, 0, len(f.tasks))
	for id, t := range f.tasks {
		tasks = append(tasks, t)
		delete(f.tasks, id)
	}
	f.mu.Unlock()

	for _, t := range tasks {
		t.stop()
		outstandingTasks.Dec()
	}
}

// CloseIdleConnections releases the keep-alive pool, e.g. on worker shutdown.
func (f *Fetcher) CloseIdleConnections() {
	f.transport.CloseIdleConnections()
}

func (f *Fetcher) findTask(requestID int64) *task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[requestID]
}

// release removes a task that reached a terminal state on its own.
func (f *Fetcher) release(requestID int64) {
	f.mu.Lock()
	_, ok := f.tasks[requestID]
	if ok {
		delete(f.tasks, requestID)
	}
	f.mu.Unlock()

	if ok {
		outstandingTasks.Dec()
	}
}
