package fetcher

import "sync"

// Visitor receives task callbacks. A visitor observes at most one of
// OnComplete or OnError per task; streamed tasks see OnHeaders first, then
// zero or more OnChunk deliveries, the last one carrying fin.
type Visitor interface {
	// OnHeaders is invoked once for streamed tasks when backend headers
	// arrive. resp.Body is nil.
	OnHeaders(requestID int64, resp *Response)

	// OnChunk delivers one streamed body chunk. fin marks the final
	// delivery; a fin chunk may be empty.
	OnChunk(requestID int64, data []byte, fin bool)

	// OnComplete terminates a task successfully. For buffered tasks resp
	// carries the decoded body; for streamed tasks it repeats the response
	// descriptor from OnHeaders.
	OnComplete(requestID int64, resp *Response)

	// OnError terminates a task with a failure.
	OnError(requestID int64, err *Error)
}

// VisitorRef is a weak handle to a Visitor. The owning stream invalidates the
// ref when it goes away; deliveries after that point are dropped without
// touching stream state. The ref does not keep the task alive and the task
// does not keep the stream alive.
type VisitorRef struct {
	mu      sync.Mutex
	visitor Visitor
}

func NewVisitorRef(v Visitor) *VisitorRef {
	return &VisitorRef{visitor: v}
}

// Invalidate detaches the visitor. Pending and future deliveries become no-ops.
func (r *VisitorRef) Invalidate() {
	r.mu.Lock()
	r.visitor = nil
	r.mu.Unlock()
}

// deliver invokes fn with the visitor while holding the ref lock, so that
// Invalidate linearizes against in-flight deliveries. Returns false if the
// visitor is gone.
func (r *VisitorRef) deliver(fn func(Visitor)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visitor == nil {
		return false
	}
	fn(r.visitor)
	return true
}
