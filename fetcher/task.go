package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/stellite/stellite/retry"
)

// errTaskTimedOut is the context cause installed by the task timer so that a
// deadline from the one-shot timer is distinguishable from a caller cancel.
var errTaskTimedOut = errors.New("task timed out")

const streamChunkSize = 32 * 1024

// task tracks one outbound request from id mint to terminal delivery. The
// visitor is held weakly; a task whose visitor is gone finishes silently.
type task struct {
	fetcher *Fetcher
	id      int64
	req     *Request
	visitor *VisitorRef

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer

	uploadReader *io.PipeReader
	uploadWriter *io.PipeWriter

	canceled atomic.Bool
	finished atomic.Bool
}

func newTask(f *Fetcher, id int64, req *Request, timeout time.Duration, visitor *VisitorRef) *task {
	ctx, cancel := context.WithCancelCause(context.Background())
	t := &task{
		fetcher: f,
		id:      id,
		req:     req,
		visitor: visitor,
		ctx:     ctx,
		cancel:  cancel,
	}
	// One-shot timer covering the whole task lifetime: DNS, connect, TLS,
	// response wait and body relay. Cancelled on any terminal transition.
	t.timer = time.AfterFunc(timeout, func() {
		t.cancel(errTaskTimedOut)
	})
	if req.ChunkedUpload {
		t.uploadReader, t.uploadWriter = io.Pipe()
	}
	return t
}

// stop aborts the task without visitor delivery. Used by Cancel/CancelAll and
// after the owning stream detached.
func (t *task) stop() {
	t.canceled.Store(true)
	t.finish()
}

// finish cancels the timer and the request context. Idempotent.
func (t *task) finish() {
	if t.finished.Swap(true) {
		return
	}
	t.timer.Stop()
	t.cancel(context.Canceled)
	if t.uploadReader != nil {
		_ = t.uploadReader.CloseWithError(context.Canceled)
	}
}

func (t *task) appendChunk(data []byte, fin bool) error {
	if len(data) > 0 {
		if _, err := t.uploadWriter.Write(data); err != nil {
			return errors.Wrap(err, "chunk upload aborted")
		}
	}
	if fin {
		return t.uploadWriter.Close()
	}
	return nil
}

func (t *task) run() {
	defer t.finish()
	defer t.fetcher.release(t.id)

	netBackoff := retry.NewBackoff(t.req.MaxRetriesOnNetworkError, retryBaseTime)
	serverBackoff := retry.NewBackoff(t.req.MaxRetriesOn5xx, retryBaseTime)

	for {
		resp, err := t.do()
		if err != nil {
			var ferr *Error
			if !errors.As(err, &ferr) {
				ferr = classifyError(t.ctx, err)
			}
			if t.mayRetryAttempt() && isRetryableNetworkError(ferr) && netBackoff.Backoff(t.ctx) {
				retriedTasks.Inc()
				continue
			}
			t.deliverError(ferr)
			return
		}

		if resp.StatusCode >= 500 && t.mayRetryAttempt() && serverBackoff.Backoff(t.ctx) {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			retriedTasks.Inc()
			continue
		}

		t.deliverResponse(resp)
		return
	}
}

// mayRetryAttempt: retries never replay a chunked upload (its body has been
// consumed), never repeat after response headers were streamed out, and never
// duplicate non-idempotent methods unless the caller opted in.
func (t *task) mayRetryAttempt() bool {
	return !t.req.ChunkedUpload && !t.req.StreamResponse && t.req.mayRetry()
}

func (t *task) do() (*http.Response, error) {
	var body io.Reader
	if t.req.ChunkedUpload {
		body = t.uploadReader
	} else if len(t.req.Body) > 0 {
		body = bytes.NewReader(t.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(t.ctx, t.req.Method, t.req.URL, body)
	if err != nil {
		return nil, newError(ErrInvalidURL, err)
	}
	for k, vv := range t.req.Header {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}
	if t.req.ChunkedUpload {
		httpReq.ContentLength = -1
	} else {
		httpReq.ContentLength = int64(len(t.req.Body))
	}

	client := &http.Client{Transport: t.fetcher.transport}
	if t.req.StopOnRedirect {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client.Do(httpReq)
}

func (t *task) deliverResponse(resp *http.Response) {
	defer resp.Body.Close()

	descriptor := buildResponse(resp)
	responsesByStatus.WithLabelValues(statusLabel(resp.StatusCode)).Inc()

	if t.req.StreamResponse {
		t.streamBody(descriptor, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.deliverError(classifyError(t.ctx, err))
		return
	}

	body, decodeErr := t.decodeBody(descriptor, body)
	if decodeErr != nil {
		t.deliverError(decodeErr)
		return
	}
	descriptor.Body = body

	if t.canceled.Load() {
		return
	}
	t.visitor.deliver(func(v Visitor) {
		v.OnComplete(t.id, descriptor)
	})
}

func (t *task) streamBody(descriptor *Response, body io.Reader) {
	if t.canceled.Load() {
		return
	}
	if !t.visitor.deliver(func(v Visitor) { v.OnHeaders(t.id, descriptor) }) {
		return
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if t.canceled.Load() {
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !t.visitor.deliver(func(v Visitor) { v.OnChunk(t.id, chunk, false) }) {
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.deliverError(classifyError(t.ctx, err))
			return
		}
	}

	if t.canceled.Load() {
		return
	}
	t.visitor.deliver(func(v Visitor) {
		v.OnChunk(t.id, nil, true)
		v.OnComplete(t.id, descriptor)
	})
}

// decodeBody undoes gzip/deflate content codings for buffered deliveries.
// Unknown codings pass through with a diagnostic.
func (t *task) decodeBody(descriptor *Response, body []byte) ([]byte, *Error) {
	encoding := strings.ToLower(strings.TrimSpace(descriptor.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, newError(ErrContentDecodingFailed, err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, newError(ErrContentDecodingFailed, err)
		}
		t.stripContentCoding(descriptor, decoded)
		return decoded, nil
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, newError(ErrContentDecodingFailed, err)
		}
		t.stripContentCoding(descriptor, decoded)
		return decoded, nil
	default:
		t.fetcher.log.Debug().
			Int64("requestID", t.id).
			Str("encoding", encoding).
			Msg("Passing through unsupported content encoding")
		return body, nil
	}
}

func (t *task) stripContentCoding(descriptor *Response, decoded []byte) {
	descriptor.Header.Del("Content-Encoding")
	descriptor.Header.Del("Content-Length")
	descriptor.ContentLength = int64(len(decoded))
}

func (t *task) deliverError(err *Error) {
	taskErrors.WithLabelValues(err.ShortName()).Inc()
	if t.canceled.Load() {
		return
	}
	t.visitor.deliver(func(v Visitor) {
		v.OnError(t.id, err)
	})
}
