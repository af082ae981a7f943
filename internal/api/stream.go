package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkguard/linkguard/internal/store"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// VerdictStream publishes audited verdicts as they are written.
type VerdictStream interface {
	Subscribe(kind string) <-chan store.Record
	Unsubscribe(ch <-chan store.Record)
}

// streamVerdicts sends each audited verdict as a JSON text frame. Frames from
// the client are discarded.
func (a *App) streamVerdicts(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", store.KindPredict, store.KindDownload:
	default:
		a.metrics.IncRequestError("input")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "kind: unknown value " + kind})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}

	up := websocket.Upgrader{
		// Callers are authenticated by key, not by browser origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	records := a.stream.Subscribe(kind)
	defer a.stream.Unsubscribe(records)
	a.logger.Info("verdict stream opened", "request_id", RequestIDFrom(r.Context()), "kind", kind)
	defer a.logger.Info("verdict stream closed", "request_id", RequestIDFrom(r.Context()))

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
