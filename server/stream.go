package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/teranos/transmute/jobs"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

// checkOrigin accepts requests without an Origin header and origins
// matching a configured prefix
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	s.logger.Warnw("Rejected stream origin", "origin", origin)
	return false
}

// streamClient forwards one job's events to one websocket connection
type streamClient struct {
	server    *Server
	conn      *websocket.Conn
	jobID     string
	events    chan jobs.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// handleStream replays the job's log then follows it live. The connection
// closes after the job reaches a terminal state.
func (s *Server) handleStream(c echo.Context) error {
	id := c.Param("id")

	// Subscribe first so nothing lands between the snapshot and the feed
	events := s.queue.Subscribe()
	job, err := s.queue.Get(c.Request().Context(), id)
	if err != nil {
		s.queue.Unsubscribe(events)
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.queue.Unsubscribe(events)
		// The upgrader already wrote the failure response
		s.logger.Debugw("Stream upgrade failed", "job_id", id, "error", err)
		return nil
	}

	client := &streamClient{
		server: s,
		conn:   conn,
		jobID:  id,
		events: events,
		closed: make(chan struct{}),
	}
	s.logger.Debugw("Stream opened", "job_id", id, "remote", c.Request().RemoteAddr)

	go client.readPump()
	client.writePump(job)
	return nil
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.server.queue.Unsubscribe(c.events)
	})
}

// readPump drains control frames so pongs are processed and a client
// close is noticed
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Debugw("Stream read error", "job_id", c.jobID, "error", err)
			}
			return
		}
	}
}

func (c *streamClient) writePump(snapshot *jobs.Job) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for _, entry := range snapshot.Log {
		if !c.write(jobs.Event{Type: jobs.EventLog, JobID: c.jobID, Line: entry.String()}) {
			return
		}
	}
	if !c.write(jobs.Event{Type: jobs.EventState, JobID: c.jobID, State: snapshot.State, Message: snapshot.Message}) {
		return
	}
	if snapshot.State.IsTerminal() {
		c.finish(websocket.CloseNormalClosure, "job finished")
		return
	}

	for {
		select {
		case <-c.server.done:
			c.finish(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.closed:
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.JobID != c.jobID {
				continue
			}
			if !c.write(ev) {
				return
			}
			if ev.Type == jobs.EventState && ev.State.IsTerminal() {
				c.finish(websocket.CloseNormalClosure, "job finished")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) write(ev jobs.Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.server.logger.Debugw("Stream write error", "job_id", c.jobID, "error", err)
		return false
	}
	return true
}

// finish sends a close frame
func (c *streamClient) finish(code int, text string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
