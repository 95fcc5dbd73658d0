package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/reqctx"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is enforced earlier in the chain by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSSE streams tenant row-change events as Server-Sent Events.
// Query param "table" narrows the stream to a single table.
func HandleSSE(bridge *Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := reqctx.Project(r.Context())
		if err != nil {
			apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			apperr.Write(w, r, apperr.New(apperr.Internal, "Streaming unsupported"))
			return
		}

		sub, err := bridge.Subscribe(project, r.URL.Query().Get("table"))
		if err != nil {
			apperr.Write(w, r, apperr.New(apperr.RateLimited, "Too many realtime connections"))
			return
		}
		defer bridge.Unsubscribe(project.Slug, sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":\"%s\"}\n\n", sub.ID)
		flusher.Flush()

		ping := time.NewTicker(bridge.KeepAlive())
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case frame, open := <-sub.Frames():
				if !open {
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// HandleWebSocket serves the same event stream over a WebSocket for clients
// behind proxies that buffer SSE. Frames carry the raw notification JSON.
func HandleWebSocket(bridge *Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := reqctx.Project(r.Context())
		if err != nil {
			apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
			return
		}

		sub, err := bridge.Subscribe(project, r.URL.Query().Get("table"))
		if err != nil {
			apperr.Write(w, r, apperr.New(apperr.RateLimited, "Too many realtime connections"))
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			bridge.Unsubscribe(project.Slug, sub)
			return
		}
		defer func() {
			bridge.Unsubscribe(project.Slug, sub)
			conn.Close()
		}()

		hello := fmt.Sprintf(`{"type":"connected","clientId":"%s"}`, sub.ID)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}

		// Drain client frames so close handshakes and pongs are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(bridge.KeepAlive())
		defer ping.Stop()

		for {
			select {
			case <-ping.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case frame, open := <-sub.Frames():
				if !open {
					return
				}
				// Strip the SSE framing down to the JSON payload.
				payload := frame[len("data: ") : len(frame)-2]
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}
}
