package proxy

import (
	"net/http"
	"strings"
)

// hop-by-hop headers per RFC 7230 section 6.1; never forwarded in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// filterHeaders copies h without hop-by-hop headers, including any header
// named by a Connection token.
func filterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	connectionTokens := map[string]struct{}{}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				connectionTokens[http.CanonicalHeaderKey(token)] = struct{}{}
			}
		}
	}
	for k, vv := range h {
		if isHopByHop(k) {
			continue
		}
		if _, named := connectionTokens[http.CanonicalHeaderKey(k)]; named {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}
