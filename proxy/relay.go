package proxy

import (
	"github.com/stellite/stellite/fetcher"
)

type relayResult struct {
	resp *fetcher.Response
	err  *fetcher.Error
}

// streamRelay adapts fetcher visitor callbacks onto a ResponseWriter. The
// relay delivers exactly one result on done; chunk writes happen on the
// fetcher task's goroutine while ProxyHTTP waits.
type streamRelay struct {
	w           ResponseWriter
	headersSent bool
	writeFailed bool
	done        chan relayResult
}

func newStreamRelay(w ResponseWriter) *streamRelay {
	return &streamRelay{
		w:    w,
		done: make(chan relayResult, 1),
	}
}

// OnHeaders starts a streamed response: status and filtered headers go out
// immediately so the client sees them before the first body chunk.
func (r *streamRelay) OnHeaders(requestID int64, resp *fetcher.Response) {
	if err := r.w.WriteRespHeaders(resp.StatusCode, filterHeaders(resp.Header)); err != nil {
		r.writeFailed = true
		return
	}
	r.headersSent = true
}

func (r *streamRelay) OnChunk(requestID int64, data []byte, fin bool) {
	if r.writeFailed || len(data) == 0 {
		return
	}
	if _, err := r.w.Write(data); err != nil {
		r.writeFailed = true
	}
}

func (r *streamRelay) OnComplete(requestID int64, resp *fetcher.Response) {
	if !r.headersSent && !r.writeFailed {
		// buffered response: head and body go out together
		if err := r.w.WriteRespHeaders(resp.StatusCode, filterHeaders(resp.Header)); err == nil {
			r.headersSent = true
			if len(resp.Body) > 0 {
				_, _ = r.w.Write(resp.Body)
			}
		}
	}
	r.done <- relayResult{resp: resp}
}

func (r *streamRelay) OnError(requestID int64, err *fetcher.Error) {
	r.done <- relayResult{err: err}
}
