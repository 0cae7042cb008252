package classify

import (
	"bytes"
	"strconv"
)

// httpMethods are the request-line verbs IsHTTP recognizes. Enough to
// classify a first payload as HTTP without pulling in net/http's full
// request parser (the spec treats this as an opaque byte sniff, not a real
// HTTP server).
var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
}

// IsHTTP reports whether b looks like the start of an HTTP/1.x request.
func IsHTTP(b []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(b, m) {
			return true
		}
	}
	return false
}

// ParseHTTPHost scans an HTTP/1.x request for its Host header and returns
// the offset/length of the hostname (port, if present, is excluded). Returns
// (0, 0) if absent.
func ParseHTTPHost(b []byte) (offset, length int) {
	const header = "\r\nHost:"
	idx := indexCI(b, []byte(header))
	if idx < 0 {
		return 0, 0
	}
	pos := idx + len(header)
	for pos < len(b) && (b[pos] == ' ' || b[pos] == '\t') {
		pos++
	}
	start := pos
	for pos < len(b) && b[pos] != '\r' && b[pos] != '\n' && b[pos] != ':' {
		pos++
	}
	if pos == start {
		return 0, 0
	}
	return start, pos - start
}

func indexCI(b, sub []byte) int {
	if len(sub) == 0 || len(b) < len(sub) {
		return -1
	}
	lowerSub := bytes.ToLower(sub)
	for i := 0; i+len(sub) <= len(b); i++ {
		if bytes.EqualFold(b[i:i+len(sub)], lowerSub) {
			return i
		}
	}
	return -1
}

// IsHTTPRedirect reports whether resp is an HTTP 3xx response whose Location
// header points somewhere — the block-page heuristic the Failure Classifier
// uses for DETECT_HTTP_LOCAT (extend.c's is_http_redirect). req is unused by
// this implementation but kept in the signature to match the spec's
// two-argument contract, since a stricter classifier could cross-check the
// request path against the redirect target.
func IsHTTPRedirect(req, resp []byte) bool {
	_ = req
	if !bytes.HasPrefix(resp, []byte("HTTP/1.")) {
		return false
	}
	line, _, ok := cutLine(resp)
	if !ok {
		return false
	}
	parts := bytes.Fields(line)
	if len(parts) < 2 {
		return false
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 300 || code >= 400 {
		return false
	}
	loc := indexCI(resp, []byte("\r\nLocation:"))
	return loc >= 0
}

func cutLine(b []byte) (line, rest []byte, ok bool) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return nil, nil, false
	}
	return b[:idx], b[idx+2:], true
}
