package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"agentflow/backend/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// subscribe registers for live events of a run and returns the init event
// carrying the current run and its steps. Subscribing first means no event
// produced after the snapshot is missed.
func (s *Server) subscribe(c echo.Context) (models.Event, <-chan models.Event, func(), error) {
	runID := c.Param("id")
	events, cancel := s.hub.Subscribe(runID)
	detail, err := s.runs.Get(c.Request().Context(), tenantOf(c), runID)
	if err != nil {
		cancel()
		return models.Event{}, nil, nil, err
	}
	init := models.Event{
		ID:        ulid.Make().String(),
		Type:      models.EventInit,
		RunID:     runID,
		Run:       detail.FlowRun,
		Steps:     detail.Steps,
		Timestamp: time.Now().UTC(),
	}
	return init, events, cancel, nil
}

// ends reports whether ev is the last event of its run.
func ends(ev models.Event) bool {
	return ev.Run != nil && ev.Run.IsTerminal()
}

// StreamRun streams live run events as Server-Sent Events until the run
// reaches a terminal status or the client disconnects
// (GET /api/v1/runs/:id/live)
func (s *Server) StreamRun(c echo.Context) error {
	init, events, cancel, err := s.subscribe(c)
	if err != nil {
		return s.problem(c, err)
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sendSSE(w, init); err != nil || ends(init) {
		return nil
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := sendSSE(w, ev); err != nil {
				s.logger.Debug("live stream write failed", "run_id", init.RunID, "error", err)
				return nil
			}
			if ends(ev) {
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func sendSSE(w *echo.Response, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// StreamRunWS streams the same events over a WebSocket
// (GET /api/v1/runs/:id/ws)
func (s *Server) StreamRunWS(c echo.Context) error {
	init, events, cancel, err := s.subscribe(c)
	if err != nil {
		return s.problem(c, err)
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", init.RunID, "error", err)
		return nil
	}
	defer conn.Close()

	ctx, stop := context.WithCancel(c.Request().Context())
	defer stop()
	go readPump(conn, stop)

	if err := writeEvent(conn, init); err != nil || ends(init) {
		closeNormal(conn)
		return nil
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeNormal(conn)
				return nil
			}
			if err := writeEvent(conn, ev); err != nil {
				return nil
			}
			if ends(ev) {
				closeNormal(conn)
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// readPump discards client messages and cancels the stream once the client
// goes away.
func readPump(conn *websocket.Conn, stop context.CancelFunc) {
	defer stop()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
