package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Session is one connected client, owned exclusively by this gateway
// instance. Room membership lives in the hub; the session owns only its
// connection and outbound queue.
type Session struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	out  *sendQueue

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		out:  newSendQueue(queueSize),
		done: make(chan struct{}),
	}
}

// send enqueues a frame for delivery. A slow-consumer verdict closes the
// session with a reason; other members of the same rooms are unaffected.
func (s *Session) send(f outFrame) {
	if s.out.push(f) {
		log.Warn().Str("client_id", s.ID).Msg("closing slow consumer")
		metrics.SlowConsumerCloses.Inc()
		s.closeWithReason(websocket.ClosePolicyViolation, "slow consumer")
	}
}

func (s *Session) sendEvent(f ServerFrame, control bool) {
	s.send(encodeFrame(f, control))
}

func (s *Session) sendError(message string) {
	f := newServerFrame(EventError)
	f.Message = message
	s.sendEvent(f, true)
}

func (s *Session) closeWithReason(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, msg)
		s.conn.Close()
	})
}

// signalDone wakes the write pump without writing a close frame; used when
// the peer already went away and a ping round-trip is not worth waiting for.
func (s *Session) signalDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// readPump consumes client frames until the connection drops. Room
// memberships are released synchronously on exit.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", s.ID).Msg("session read error")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendError("malformed frame")
			continue
		}
		s.hub.handleClientFrame(s, frame)
	}
}

// writePump drains the outbound queue onto the wire and keeps the
// connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.out.ready:
			for {
				frame, ok := s.out.pop()
				if !ok {
					break
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					return
				}
			}
		}
	}
}
