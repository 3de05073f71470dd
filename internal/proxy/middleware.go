package proxy

import (
	"net/http"
	"strings"
)

// ExtractSessionID pulls the session id out of a Host header in subdomain
// mode. It returns ok only when host is exactly "<label>.<previewDomain>"
// (an optional :port is stripped) and the label is non-empty with no dot.
func ExtractSessionID(host, previewDomain string) (string, bool) {
	if previewDomain == "" {
		return "", false
	}
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	suffix := "." + strings.ToLower(previewDomain)
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := host[:len(host)-len(suffix)]
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// SubdomainRewrite wraps the server's handler. Requests whose Host names a
// session subdomain are rewritten to the internal /preview/<id>/ path
// before routing; everything else passes through untouched. It runs for
// WebSocket upgrades the same as for plain HTTP.
func SubdomainRewrite(previewDomain string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := ExtractSessionID(r.Host, previewDomain); ok {
			r.Header.Set(originalHostHeader, r.Host)
			r.URL.Path = "/preview/" + id + r.URL.Path
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

// originalHostHeader stashes the public host for logging after the rewrite.
const originalHostHeader = "X-Previewd-Original-Host"
