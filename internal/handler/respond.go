package handler

import (
	"net/http"
	"regexp"
	"strings"
)

// credentialPattern matches credential-like query values in URLs embedded in
// error messages.
var credentialPattern = regexp.MustCompile(`(?i)\b(token|key|signature|sig|auth|policy)=[^&\s"]+`)

// hopByHopHeaders are never copied from an upstream response.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// setCORS sets the three fixed CORS headers, replacing any upstream values.
func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// copyResponseHeaders copies every end-to-end header of src into dst,
// including headers named in src's Connection header.
func copyResponseHeaders(dst, src http.Header) {
	connection := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[ck] || connection[ck] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// sanitizeError redacts credentials from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}=[REDACTED]")
}
