package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS is the websocket variant of handleSSE. Events are written as JSON
// text frames and the connection closes normally after the terminal event.
// GET /stream/ws?execution_id=<id>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.streams.Subscribe(req.executionID, subscriberBuffer)
	defer h.streams.Unsubscribe(req.executionID, ch)

	sent := req.lastID
	// send reports whether the stream is finished, either by a terminal
	// event or a write failure.
	send := func(evt any, seq uint64, wanted, last bool) bool {
		if seq <= sent {
			return false
		}
		sent = seq
		if wanted {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return true
			}
		}
		return last
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
			time.Now().Add(time.Second))
	}

	if req.lastID > 0 {
		for _, evt := range h.streams.ReplaySince(req.executionID, req.lastID) {
			if send(evt, evt.Seq, req.wants(evt), terminal(evt)) {
				closeNormal()
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reader pump (discard client messages)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if send(evt, evt.Seq, req.wants(evt), terminal(evt)) {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
