// Package proxy forwards preview traffic to dev servers: HTTP with
// per-routing-mode URL rewriting, WebSocket piping for HMR, token-gated
// access, and subdomain-to-path request rewriting.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/logger"
)

const (
	// Responses larger than this stream through without buffering, which
	// also means large HTML bodies skip path-mode rewriting.
	rewriteBufferLimit = 1 << 20

	dialTimeout           = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
)

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Forwarder proxies HTTP requests to a local dev server.
type Forwarder struct {
	client       *http.Client
	rewritePaths bool // path mode: rewrite HTML URLs
	logger       *logger.Logger
}

// NewForwarder creates a Forwarder. rewritePaths enables path-mode HTML
// rewriting; subdomain deployments leave root-relative URLs untouched.
func NewForwarder(rewritePaths bool, log *logger.Logger) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
		// The body read has no deadline: SSE and HMR long-polls stay open.
		DisableCompression: true,
	}
	return &Forwarder{
		client:       &http.Client{Transport: transport, CheckRedirect: noRedirect},
		rewritePaths: rewritePaths,
		logger:       log,
	}
}

// noRedirect returns upstream redirects to the browser untouched.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Forward proxies one request to 127.0.0.1:port. subPath is the path below
// the session prefix; sessionID shapes the rewrite prefix in path mode.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, sessionID string, port int, subPath string) {
	upstream := buildUpstreamURL(port, subPath, r.URL.Query())

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req, r)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.WithSessionID(sessionID).WithError(err).Warn("dev server request failed",
			zap.Int("port", port))
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "preview upstream unavailable", status)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	headers := w.Header()
	copyResponseHeaders(headers, resp.Header)

	// HTML buffers for rewriting even when the length is unknown: dev
	// servers send index.html chunked. A negative ContentLength means
	// unknown, so only a known-oversized body skips the buffer attempt.
	isHTML := strings.Contains(resp.Header.Get("Content-Type"), "text/html")
	if f.rewritePaths && isHTML && resp.ContentLength <= rewriteBufferLimit {
		body, err := io.ReadAll(io.LimitReader(resp.Body, rewriteBufferLimit+1))
		if err != nil {
			http.Error(w, "preview upstream unavailable", http.StatusBadGateway)
			return
		}
		if len(body) <= rewriteBufferLimit {
			body = RewriteHTML(body, "/preview/"+sessionID)
			headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(body)
			return
		}
		// Over the limit after all: pass the buffered prefix through
		// unrewritten and stream the rest.
		w.WriteHeader(resp.StatusCode)
		if _, werr := w.Write(body); werr != nil {
			return
		}
		flushCopy(w, resp.Body)
		return
	}

	// Everything else streams: SSE, large bodies, assets.
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

func buildUpstreamURL(port int, subPath string, query url.Values) string {
	if !strings.HasPrefix(subPath, "/") {
		subPath = "/" + subPath
	}
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", port),
		Path:   subPath,
	}
	// The access token is proxy-level auth; the dev server never sees it.
	query.Del("token")
	u.RawQuery = query.Encode()
	return u.String()
}

func copyRequestHeaders(dst *http.Request, src *http.Request) {
	for name, values := range src.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Content-Length", "Accept-Encoding", "Cookie":
			continue
		}
		for _, v := range values {
			dst.Header.Add(name, v)
		}
	}
	// Cookies forward minus our own auth cookies; the dev server never
	// sees access tokens.
	for _, cookie := range src.Cookies() {
		if strings.HasPrefix(cookie.Name, CookiePrefix) {
			continue
		}
		dst.AddCookie(cookie)
	}
	clientIP := src.RemoteAddr
	if host, _, err := net.SplitHostPort(src.RemoteAddr); err == nil {
		clientIP = host
	}
	dst.Header.Set("X-Forwarded-For", clientIP)
	dst.Header.Set("X-Forwarded-Host", src.Host)
	proto := "http"
	if src.TLS != nil {
		proto = "https"
	}
	dst.Header.Set("X-Forwarded-Proto", proto)
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] {
			continue
		}
		// Previews are meant to be embedded; the deny header goes, and a
		// permissive frame-ancestors policy fills in when upstream set none.
		if canonical == "X-Frame-Options" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	if dst.Get("Content-Security-Policy") == "" {
		dst.Set("Content-Security-Policy", "frame-ancestors *")
	}
}

// flushCopy streams the body, flushing after each chunk so SSE events and
// incremental HTML reach the browser immediately.
func flushCopy(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
