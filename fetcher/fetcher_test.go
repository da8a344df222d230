package fetcher

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = zerolog.Nop()

type recordingVisitor struct {
	mu        sync.Mutex
	headers   []*Response
	chunks    [][]byte
	finSeen   bool
	completes []*Response
	errs      []*Error

	terminal chan struct{}
	once     sync.Once
}

func newRecordingVisitor() *recordingVisitor {
	return &recordingVisitor{terminal: make(chan struct{})}
}

func (r *recordingVisitor) OnHeaders(requestID int64, resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, resp)
}

func (r *recordingVisitor) OnChunk(requestID int64, data []byte, fin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fin {
		r.finSeen = true
		return
	}
	r.chunks = append(r.chunks, data)
}

func (r *recordingVisitor) OnComplete(requestID int64, resp *Response) {
	r.mu.Lock()
	r.completes = append(r.completes, resp)
	r.mu.Unlock()
	r.once.Do(func() { close(r.terminal) })
}

func (r *recordingVisitor) OnError(requestID int64, err *Error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.once.Do(func() { close(r.terminal) })
}

func (r *recordingVisitor) waitTerminal(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(timeout):
		t.Fatal("no terminal delivery")
	}
}

func newTestFetcher() *Fetcher {
	return New(Options{}, &testLogger)
}

func TestRequestIDsAreMonotone(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	f := newTestFetcher()
	defer f.CancelAll()

	var last int64
	for i := 0; i < 10; i++ {
		visitor := newRecordingVisitor()
		id := f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
		require.Greater(t, id, last, "ids must be strictly increasing")
		last = id
		visitor.waitTerminal(t, 5*time.Second)
	}
}

func TestBufferedGet(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("get"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.completes, 1)
	require.Empty(t, visitor.errs)
	resp := visitor.completes[0]
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("get"), resp.Body)
	assert.Equal(t, "text/plain", resp.MimeType)
	assert.Equal(t, "utf-8", resp.Charset)
	assert.Equal(t, ConnectionInfoHTTP1, resp.ConnectionInfo)
	assert.True(t, resp.NetworkAccessed)
}

func TestExactlyOneTerminalDelivery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	// allow any late deliveries to happen before asserting
	time.Sleep(50 * time.Millisecond)
	visitor.mu.Lock()
	defer visitor.mu.Unlock()
	assert.Equal(t, 1, len(visitor.completes)+len(visitor.errs))
}

func TestTimeoutDelivery(t *testing.T) {
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	start := time.Now()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, 100*time.Millisecond, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	elapsed := time.Since(start)
	require.Len(t, visitor.errs, 1)
	assert.Equal(t, ErrTimedOut, visitor.errs[0].Code)
	assert.Equal(t, "timed_out", visitor.errs[0].ShortName())
	assert.Less(t, elapsed, 2*time.Second)
}

func TestNonPositiveTimeoutUsesDefault(t *testing.T) {
	f := New(Options{DefaultTimeout: 50 * time.Millisecond}, &testLogger)
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, 0, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.errs, 1)
	assert.True(t, visitor.errs[0].Timeout())
}

func TestCancelSuppressesVisitor(t *testing.T) {
	entered := make(chan struct{})
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	id := f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, 5*time.Second, NewVisitorRef(visitor))
	<-entered
	f.Cancel(id)

	time.Sleep(100 * time.Millisecond)
	visitor.mu.Lock()
	defer visitor.mu.Unlock()
	assert.Empty(t, visitor.completes)
	assert.Empty(t, visitor.errs)
}

func TestInvalidatedVisitorIsNotTouched(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	ref := NewVisitorRef(visitor)
	ref.Invalidate()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, ref)

	time.Sleep(200 * time.Millisecond)
	visitor.mu.Lock()
	defer visitor.mu.Unlock()
	assert.Empty(t, visitor.completes)
	assert.Empty(t, visitor.errs)
}

func TestChunkedUpload(t *testing.T) {
	var received []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("post"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	id := f.Request(&Request{
		Method:        http.MethodPost,
		URL:           backend.URL,
		ChunkedUpload: true,
	}, 5*time.Second, NewVisitorRef(visitor))

	require.NoError(t, f.AppendChunkToUpload(id, []byte("hello "), false))
	require.NoError(t, f.AppendChunkToUpload(id, []byte("world"), true))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.completes, 1)
	assert.Equal(t, []byte("hello world"), received)
	assert.Equal(t, []byte("post"), visitor.completes[0].Body)
}

func TestAppendChunkValidation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer backend.Close()

	f := newTestFetcher()

	// unknown id
	assert.Error(t, f.AppendChunkToUpload(999, []byte("x"), false))

	// not a chunked-upload task
	visitor := newRecordingVisitor()
	plainID := f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	assert.Error(t, f.AppendChunkToUpload(plainID, []byte("x"), false))

	// empty chunk on a non-terminal call
	chunkedVisitor := newRecordingVisitor()
	chunkedID := f.Request(&Request{
		Method:        http.MethodPost,
		URL:           backend.URL,
		ChunkedUpload: true,
	}, time.Second, NewVisitorRef(chunkedVisitor))
	assert.Error(t, f.AppendChunkToUpload(chunkedID, nil, false))
	assert.NoError(t, f.AppendChunkToUpload(chunkedID, nil, true))
}

func TestGzipDecode(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("compressed payload"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.completes, 1)
	resp := visitor.completes[0]
	assert.Equal(t, []byte("compressed payload"), resp.Body)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestCorruptGzipDeliversDecodeError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not gzip at all"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.errs, 1)
	assert.Equal(t, ErrContentDecodingFailed, visitor.errs[0].Code)
}

func TestUnknownEncodingPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte{0x0b, 0x02, 0x80})
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.completes, 1)
	assert.Equal(t, "br", visitor.completes[0].Header.Get("Content-Encoding"))
}

func TestStopOnRedirect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/target", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("target"))
	}))
	defer backend.Close()

	f := newTestFetcher()

	visitor := newRecordingVisitor()
	f.Request(&Request{
		Method:         http.MethodGet,
		URL:            backend.URL + "/redirect",
		StopOnRedirect: true,
	}, time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.completes, 1)
	assert.Equal(t, http.StatusFound, visitor.completes[0].StatusCode)
	assert.Equal(t, "/target", visitor.completes[0].Header.Get("Location"))

	followVisitor := newRecordingVisitor()
	f.Request(&Request{
		Method: http.MethodGet,
		URL:    backend.URL + "/redirect",
	}, time.Second, NewVisitorRef(followVisitor))
	followVisitor.waitTerminal(t, 5*time.Second)

	require.Len(t, followVisitor.completes, 1)
	assert.Equal(t, http.StatusOK, followVisitor.completes[0].StatusCode)
	assert.Equal(t, []byte("target"), followVisitor.completes[0].Body)
}

func TestStreamedResponse(t *testing.T) {
	const chunkCount = 100
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < chunkCount; i++ {
			_, _ = fmt.Fprintf(w, "chunk-%03d\n", i)
			flusher.Flush()
		}
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{
		Method:         http.MethodGet,
		URL:            backend.URL,
		StreamResponse: true,
	}, 5*time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 10*time.Second)

	visitor.mu.Lock()
	defer visitor.mu.Unlock()
	require.Len(t, visitor.headers, 1)
	require.Len(t, visitor.completes, 1)
	assert.True(t, visitor.finSeen)

	var total bytes.Buffer
	for _, chunk := range visitor.chunks {
		total.Write(chunk)
	}
	assert.Equal(t, chunkCount, bytes.Count(total.Bytes(), []byte("\n")))
}

func TestServerErrorRetry(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{
		Method:          http.MethodGet,
		URL:             backend.URL,
		MaxRetriesOn5xx: 2,
	}, 10*time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 10*time.Second)

	require.Len(t, visitor.completes, 1)
	assert.Equal(t, http.StatusOK, visitor.completes[0].StatusCode)
	assert.Equal(t, []byte("recovered"), visitor.completes[0].Body)
}

func TestNoRetryForNonIdempotentMethods(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newTestFetcher()
	visitor := newRecordingVisitor()
	f.Request(&Request{
		Method:          http.MethodPost,
		URL:             backend.URL,
		Body:            []byte("payload"),
		MaxRetriesOn5xx: 3,
	}, 5*time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
	require.Len(t, visitor.completes, 1)
	assert.Equal(t, http.StatusInternalServerError, visitor.completes[0].StatusCode)
}

func TestConnectionRefusedDelivery(t *testing.T) {
	f := newTestFetcher()
	visitor := newRecordingVisitor()
	// bind-then-close to get a port nothing listens on
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := backend.URL
	backend.Close()

	f.Request(&Request{Method: http.MethodGet, URL: deadURL}, 2*time.Second, NewVisitorRef(visitor))
	visitor.waitTerminal(t, 5*time.Second)

	require.Len(t, visitor.errs, 1)
	assert.Equal(t, ErrConnectionRefused, visitor.errs[0].Code)
}

func TestCancelAll(t *testing.T) {
	blocked := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer backend.Close()
	defer close(blocked)

	f := newTestFetcher()
	visitors := make([]*recordingVisitor, 3)
	for i := range visitors {
		visitors[i] = newRecordingVisitor()
		f.Request(&Request{Method: http.MethodGet, URL: backend.URL}, 10*time.Second, NewVisitorRef(visitors[i]))
	}
	f.CancelAll()

	time.Sleep(100 * time.Millisecond)
	for _, visitor := range visitors {
		visitor.mu.Lock()
		assert.Empty(t, visitor.completes)
		assert.Empty(t, visitor.errs)
		visitor.mu.Unlock()
	}
}
