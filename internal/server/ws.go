package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"mendline/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// wsHandler streams bus envelopes to one websocket client per connection.
// A slow client loses events; it never holds up publishers.
type wsHandler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func newWSHandler(b *bus.Bus, allowOrigins []string, logger *slog.Logger) *wsHandler {
	h := &wsHandler{bus: b, log: logger}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowOrigins)}
	return h
}

// originChecker accepts same-host origins, anything listed, or everything for "*".
func originChecker(allow []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allow, "*") || slices.Contains(allow, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p, ok := principalFromContext(r.Context()); !ok || !p.Can("stats.read") {
		respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "missing permission stats.read", nil))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer sub.Close()

	pongs := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket read failed", "error", err)
				}
				return
			}
			if strings.TrimSpace(string(msg)) == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pongs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
