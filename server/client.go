package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/async"
	"github.com/teranos/bookenrich/pulse/stream"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only ever send small control frames
	maxMessageSize = 4096
)

// Client is one WebSocket subscriber to a job's progress stream
type Client struct {
	server  *Server
	conn    *websocket.Conn
	tracker *async.Tracker
	sub     *stream.Subscription
	ownerID string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger

	closeOnce sync.Once
}

// serveWebSocket upgrades the request and starts the client pumps
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, tr *async.Tracker, sub *stream.Subscription, header http.Header) {
	if s.streamCount() >= MaxClients {
		sub.Close()
		writeError(w, http.StatusServiceUnavailable, "too many open streams")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the HTTP error
		sub.Close()
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldJobID, shortID(tr.ID()), logger.FieldError, err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &Client{
		server:  s,
		conn:    conn,
		tracker: tr,
		sub:     sub,
		ownerID: tr.OwnerID(),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.FromContext(r.Context(), s.logger),
	}
	if !s.register(c) {
		c.close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// readPump handles control frames from the client. It exits when the
// connection closes, which ends the write pump too.
func (c *Client) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugw("Ignoring malformed client frame", logger.FieldError, err)
			continue
		}
		c.routeMessage(msg)
	}
}

func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		c.logger.Infow("Stream connection dropped",
			logger.FieldJobID, shortID(c.tracker.ID()),
			logger.FieldError, errors.WithSecondaryError(errors.ErrTransportDropped, err))
	}
}

func (c *Client) routeMessage(msg ClientMessage) {
	switch msg.Type {
	case "cancel":
		c.handleCancel()
	default:
		c.logger.Debugw("Unknown client message type", "type", msg.Type)
	}
}

// handleCancel cancels the job. The canceled event reaches this client
// through the normal stream, after which the socket closes.
func (c *Client) handleCancel() {
	err := c.server.registry.Cancel(c.ctx, c.ownerID, c.tracker.ID())
	switch {
	case err == nil:
		c.logger.Infow("Job canceled over WebSocket", logger.FieldJobID, shortID(c.tracker.ID()))
	case errors.Is(err, errors.ErrJobTerminal):
		c.logger.Debugw("Cancel ignored, job already finished", logger.FieldJobID, shortID(c.tracker.ID()))
	default:
		c.logger.Warnw("Cancel over WebSocket failed", logger.FieldJobID, shortID(c.tracker.ID()), logger.FieldError, err)
	}
}

// writePump forwards events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.flushQueued()
			c.writeClose(websocket.CloseGoingAway, "server closing stream")
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				if errors.Is(c.sub.Err(), stream.ErrLagged) {
					c.writeClose(websocket.CloseTryAgainLater, "lagged, reconnect with lastEventId")
				} else {
					c.writeClose(websocket.CloseNormalClosure, "job finished")
				}
				return
			}
			if err := c.writeEvent(ev); err != nil {
				c.logger.Debugw("WebSocket write failed", logger.FieldJobID, shortID(c.tracker.ID()), logger.FieldError, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushQueued writes events that are already queued, such as the canceled
// event published during shutdown, without waiting for more.
func (c *Client) flushQueued() {
	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok || c.writeEvent(ev) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeEvent(ev stream.Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(StreamFrame{EventID: ev.ID, JobID: ev.JobID, Type: ev.Type, Data: ev.Payload})
}

func (c *Client) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// close releases the subscription and connection exactly once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sub.Close()
		c.conn.Close()
		c.server.unregister(c)
	})
}
