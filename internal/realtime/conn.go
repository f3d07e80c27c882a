package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendQueueSize  = 256
)

// envelope is the inbound frame shape: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one WebSocket connection. It implements collab.Sink; outbound
// messages go through a bounded queue drained by writePump and are dropped
// when the queue is full.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, limiter *rate.Limiter, log zerolog.Logger) *Conn {
	return &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendQueueSize),
		limiter: limiter,
		log:     log.With().Str("connection_id", id).Logger(),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(msg collab.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("event", msg.Event).Msg("encode outbound message")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Str("event", msg.Event).Msg("send queue full; message dropped")
		return false
	}
}

// close stops the write pump, which sends a close frame and closes the socket.
func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readPump(mgr *collab.Manager, sess *collab.Session) {
	ctx := context.Background()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		if !c.limiter.Allow() {
			mgr.Reject(sess, collab.NewError(collab.CodeRateLimited, "too many messages"))
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			mgr.Reject(sess, collab.NewError(collab.CodeInvalidPayload, "expected {event, data}"))
			continue
		}
		_ = mgr.Dispatch(ctx, sess, env.Event, env.Data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(writeWait))
			return
		}
	}
}
