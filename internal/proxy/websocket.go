package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth already gates the session; previews are embedded from
	// arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// ForwardWebSocket accepts the client upgrade, dials the dev server, and
// pipes frames both ways until either side closes. This is the HMR channel;
// without it hot reload silently dies.
func ForwardWebSocket(w http.ResponseWriter, r *http.Request, log *logger.Logger, sessionID string, port int, subPath string) {
	if !strings.HasPrefix(subPath, "/") {
		subPath = "/" + subPath
	}
	query := r.URL.Query()
	query.Del("token")
	upstreamURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     subPath,
		RawQuery: query.Encode(),
	}

	header := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	upstream, resp, err := websocket.DefaultDialer.Dial(upstreamURL.String(), header)
	if err != nil {
		log.WithSessionID(sessionID).WithError(err).Warn("dev server websocket dial failed",
			zap.Int("port", port))
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "websocket upstream unavailable", status)
		return
	}
	defer func() {
		_ = upstream.Close()
	}()

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade writes its own error response.
		return
	}
	defer func() {
		_ = client.Close()
	}()

	errc := make(chan error, 2)
	go pipeWebSocket(client, upstream, errc)
	go pipeWebSocket(upstream, client, errc)
	<-errc
}

// pipeWebSocket copies frames from src to dst, preserving message types.
func pipeWebSocket(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(time.Second))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errc <- err
			return
		}
	}
}
