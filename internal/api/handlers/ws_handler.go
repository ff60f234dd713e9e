package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/hub"
	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/services"
)

// WSHandler serves the three persistent-stream endpoints: operator audio
// ingest, the broadcast overlay, and the public audience viewer.
type WSHandler struct {
	relay    services.RelayService
	hub      *hub.Hub
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewWSHandler(relay services.RelayService, h *hub.Hub, l *logrus.Logger) *WSHandler {
	return &WSHandler{
		relay: relay,
		hub:   h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
		log: l.WithField("component", "ws"),
	}
}

// wsConn serializes writes on a shared socket.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(v)
}

type ingestControlMsg struct {
	Type           string `json:"type"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// IngestWS receives the operator's audio stream: binary frames are forwarded
// upstream in arrival order, text frames carry session control messages.
func (h *WSHandler) IngestWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}

		if mt == websocket.BinaryMessage {
			h.relay.SendAudio(data)
			continue
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg ingestControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.writeJSON(APIError{Code: "INVALID_ARGUMENT", Message: "invalid json"})
			continue
		}

		switch msg.Type {
		case "start":
			if err := h.relay.Start(msg.SourceLanguage, msg.TargetLanguage); err != nil {
				h.log.WithError(err).Warn("session start failed")
				_ = wc.writeJSON(h.relay.Status())
				continue
			}
			_ = wc.writeJSON(h.relay.Status())

		case "pause":
			h.relay.Pause()
			_ = wc.writeJSON(h.relay.Status())

		case "resume":
			h.relay.Resume()
			_ = wc.writeJSON(h.relay.Status())

		case "stop":
			h.relay.Stop()
			_ = wc.writeJSON(h.relay.Status())
			return

		default:
			_ = wc.writeJSON(APIError{Code: "INVALID_ARGUMENT", Message: "unknown message type"})
		}
	}
}

// OverlayWS streams every partial and final caption as soon as produced.
// A dead client is detected on the first failed send and dropped.
func (h *WSHandler) OverlayWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.hub.SubscribeOverlay()
	defer sub.Cancel()

	wc := &wsConn{c: conn}
	go discardReads(conn)

	for ev := range sub.C {
		if werr := wc.writeJSON(ev); werr != nil {
			return
		}
	}
}

type audienceSnapshotMsg struct {
	Type    string                   `json:"type"`
	Entries []models.TranscriptEntry `json:"entries"`
}

// AudienceWS replays the persisted transcript, then streams live change and
// status events. The snapshot and the live feed come from one critical
// section, so nothing is lost or duplicated across the boundary.
func (h *WSHandler) AudienceWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snapshot, sub := h.hub.AttachAudience()
	defer sub.Cancel()

	wc := &wsConn{c: conn}
	go discardReads(conn)

	if werr := wc.writeJSON(audienceSnapshotMsg{Type: "transcript_snapshot", Entries: snapshot}); werr != nil {
		return
	}
	st := h.relay.Status()
	if werr := wc.writeJSON(hub.Event{Type: "status", Status: &st}); werr != nil {
		return
	}

	for ev := range sub.C {
		if werr := wc.writeJSON(ev); werr != nil {
			return
		}
	}
}

// discardReads drains control frames so pings are answered and close frames
// surface on the write path.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
