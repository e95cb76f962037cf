// Copyright 2025 James Ross
package events

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
)

const (
	wsWriteWait  = 10 * time.Second
	wsIdleWait   = 5 * time.Minute
	wsPingPeriod = (wsIdleWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves GET /ws/jobs/{id}: streams one job's state until it
// reaches a terminal state or the connection idles out.
type WSHandler struct {
	Jobs JobLister
	Log  *zap.Logger
}

func NewWSHandler(jobs JobLister, log *zap.Logger) *WSHandler {
	return &WSHandler{Jobs: jobs, Log: log}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	jobID := mux.Vars(r)["id"]
	job, err := h.Jobs.GetJob(jobID)
	if err != nil {
		kind := apperr.KindOf(err)
		http.Error(w, string(kind), apperr.HTTPStatus(kind))
		return
	}
	if !identity.CanView(id, job.OwnerID, job.Visibility, true) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Log != nil {
			h.Log.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsIdleWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleWait))
	})
	go h.drainReads(conn)

	ticker := time.NewTicker(PollInterval)
	pinger := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer pinger.Stop()

	lastKey := ""
	for {
		select {
		case <-r.Context().Done():
			return
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			job, err := h.Jobs.GetJob(jobID)
			if err != nil {
				return
			}
			key := deltaKey(job)
			if key != lastKey {
				lastKey = key
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(deltaOf(job)); err != nil {
					return
				}
			}
			if isTerminal(job.State) {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"))
				return
			}
		}
	}
}

// drainReads discards client frames (this stream is server-to-client only)
// so pong control frames still reach the pong handler.
func (h *WSHandler) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
