package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout    = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// SSEHandler は Server-Sent Events で購読させるハンドラを返す。
func SSEHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		// 長時間接続のためサーバ全体の書き込みタイムアウトを外す
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			h.logger.Error("sse streaming unsupported", slog.String("error", err.Error()))
			return
		}

		msgs, cancel := h.Subscribe()
		defer cancel()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				_ = rc.Flush()
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := writeSSE(w, msg); err != nil {
					h.logger.Debug("sse write failed", slog.String("error", err.Error()))
					return
				}
				_ = rc.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.Event.EventID, msg.Topic, data)
	return err
}

// WebSocketHandler は WebSocket で購読させるハンドラを返す。
// 各フレームは {topic, event} のJSON。
func WebSocketHandler(h *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "stream closed")

		// クライアントからのフレームは読み捨て、切断の検知に使う
		ctx := conn.CloseRead(r.Context())

		if err := stream(ctx, h, conn); err != nil {
			if websocket.CloseStatus(err) == -1 {
				_ = conn.Close(websocket.StatusInternalError, "stream error")
			}
		}
	}
}

func stream(ctx context.Context, h *Hub, conn *websocket.Conn) error {
	msgs, cancel := h.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
