// Package proxy translates one client HTTP exchange into a backend fetch and
// relays the response back through the caller's response writer.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stellite/stellite/fetcher"
	"github.com/stellite/stellite/rewrite"
)

// Uploads at most this large are buffered into a single request body; larger
// or unknown-length bodies stream to the backend as chunks.
const maxBufferedUploadBytes = 64 * 1024

// ResponseWriter is the stream-facing surface the proxy writes responses to.
// WriteRespHeaders must be called exactly once before Write; CloseWrite sends
// FIN.
type ResponseWriter interface {
	WriteRespHeaders(status int, header http.Header) error
	io.Writer
	CloseWrite() error
}

// Proxy forwards requests to the single configured proxy-pass origin.
type Proxy struct {
	fetcher   *fetcher.Fetcher
	proxyPass *url.URL
	rewriter  atomic.Pointer[rewrite.Rewriter]
	timeout   time.Duration
	log       *zerolog.Logger
}

// NewProxy builds a Proxy. proxyPass may be empty; requests then fail with a
// synthesized 502 until a restart provides one.
func NewProxy(
	f *fetcher.Fetcher,
	proxyPass string,
	rewriter *rewrite.Rewriter,
	timeout time.Duration,
	log *zerolog.Logger,
) (*Proxy, error) {
	p := &Proxy{
		fetcher: f,
		timeout: timeout,
		log:     log,
	}
	if proxyPass != "" {
		u, err := url.Parse(proxyPass)
		if err != nil {
			return nil, errors.Wrap(err, "invalid proxy_pass URL")
		}
		p.proxyPass = u
	}
	if rewriter == nil {
		rewriter = rewrite.NewRewriter()
	}
	p.rewriter.Store(rewriter)
	return p, nil
}

// SetRewriter swaps the rewrite table. Used by the config hot reload;
// in-flight requests keep the table they started with.
func (p *Proxy) SetRewriter(r *rewrite.Rewriter) {
	if r != nil {
		p.rewriter.Store(r)
	}
}

// ProxyHTTP forwards req to the backend and relays the response into w. It
// returns once the exchange reached a terminal state. A non-nil error means
// the stream must be reset: either the backend failed after response headers
// were written, or ctx ended before the exchange finished (ctx.Err() is
// returned). Backend errors before headers are turned into synthetic HTTP
// error responses.
func (p *Proxy) ProxyHTTP(ctx context.Context, w ResponseWriter, req *http.Request) error {
	incrementRequests()
	defer decrementConcurrentRequests()

	started := time.Now()

	if p.proxyPass == nil {
		p.writeErrorResponse(w, fetcher.NewNoProxyPassError())
		p.logRequest(req, http.StatusBadGateway, time.Since(started))
		return nil
	}

	backendReq, upload, err := p.buildBackendRequest(req)
	if err != nil {
		p.writeErrorResponse(w, fetcher.NewInvalidURLError(err))
		p.logRequest(req, http.StatusBadGateway, time.Since(started))
		return nil
	}

	relay := newStreamRelay(w)
	ref := fetcher.NewVisitorRef(relay)
	requestID := p.fetcher.Request(backendReq, p.timeout, ref)

	if upload != nil {
		go p.pumpUpload(requestID, upload)
	}

	var result relayResult
	select {
	case result = <-relay.done:
	case <-ctx.Done():
		// stream or session went away; detach before cancel so no
		// further delivery touches the writer
		ref.Invalidate()
		p.fetcher.Cancel(requestID)
		requestErrors.Inc()
		return ctx.Err()
	}

	if result.err != nil {
		if relay.headersSent {
			requestErrors.Inc()
			return errors.Errorf("backend error after response headers: %s", result.err.ShortName())
		}
		p.writeErrorResponse(w, result.err)
		p.logRequest(req, errorStatus(result.err), time.Since(started))
		return nil
	}

	_ = w.CloseWrite()
	p.logRequest(req, result.resp.StatusCode, time.Since(started))
	return nil
}

// buildBackendRequest maps the client request onto the backend origin:
// authority is rewritten to the backend host, the path goes through the
// rewrite table, hop-by-hop headers are dropped. The returned reader is
// non-nil when the body must stream as a chunked upload.
func (p *Proxy) buildBackendRequest(req *http.Request) (*fetcher.Request, io.Reader, error) {
	target := *p.proxyPass
	path := req.URL.Path
	if rewritten, matched := p.rewriter.Load().Rewrite(path); matched {
		path = rewritten
	}
	target.Path = path
	target.RawQuery = req.URL.RawQuery

	backendReq := &fetcher.Request{
		Method: req.Method,
		URL:    target.String(),
		Header: filterHeaders(req.Header),
		// the client observes redirects verbatim
		StopOnRedirect: true,
		// body bytes relay to the client as they arrive
		StreamResponse: true,
	}
	if req.Body == nil || req.Body == http.NoBody {
		return backendReq, nil, nil
	}

	if req.ContentLength >= 0 && req.ContentLength <= maxBufferedUploadBytes {
		body, err := io.ReadAll(io.LimitReader(req.Body, req.ContentLength))
		if err != nil {
			return nil, nil, err
		}
		backendReq.Body = body
		return backendReq, nil, nil
	}

	backendReq.ChunkedUpload = true
	return backendReq, req.Body, nil
}

// pumpUpload relays a streaming request body into the chunked-upload API.
func (p *Proxy) pumpUpload(requestID int64, body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if appendErr := p.fetcher.AppendChunkToUpload(requestID, chunk, false); appendErr != nil {
				return
			}
		}
		if err != nil {
			_ = p.fetcher.AppendChunkToUpload(requestID, nil, true)
			return
		}
	}
}

// writeErrorResponse synthesizes an HTTP error so the client observes a
// response rather than a stream reset. Timeouts map to 504, everything else
// to 502; the body carries the short error name.
func (p *Proxy) writeErrorResponse(w ResponseWriter, ferr *fetcher.Error) {
	requestErrors.Inc()
	status := errorStatus(ferr)
	body := ferr.ShortName()
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if err := w.WriteRespHeaders(status, header); err != nil {
		return
	}
	_, _ = w.Write([]byte(body))
	_ = w.CloseWrite()
}

func errorStatus(ferr *fetcher.Error) int {
	if ferr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (p *Proxy) logRequest(req *http.Request, status int, elapsed time.Duration) {
	responseByCode.WithLabelValues(strconv.Itoa(status)).Inc()
	p.log.Info().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", status).
		Int64("elapsedMs", elapsed.Milliseconds()).
		Msg("Proxied request")
}
