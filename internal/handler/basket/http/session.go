package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	sessionSendBuffer   = 256
	sessionWriteWait    = 5 * time.Second
	sessionPongWait     = 60 * time.Second
	sessionPingInterval = 25 * time.Second
	sessionReadLimit    = 1 << 20
)

// sessionError is written back when a request is rejected before routing.
type sessionError struct {
	Type          string `json:"type"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Error         string `json:"error"`
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sessionSendBuffer),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue never blocks. A session that cannot keep up is closed.
func (s *session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		logrus.WithField("session_id", s.id).Warn("client session too slow, closing")
		s.close()
		return false
	}
}

// sessionHub fans gateway output out to every attached client session.
type sessionHub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionHub() *sessionHub {
	return &sessionHub{sessions: make(map[string]*session)}
}

func (h *sessionHub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[s.id] = s
}

func (h *sessionHub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sessions, s.id)
}

func (h *sessionHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions)
}

func (h *sessionHub) broadcast(msg entity.Message) {
	payload, err := entity.EncodeMessage(msg)
	if err != nil {
		logrus.WithField("type", msg.Type()).Errorf("encode client output: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.sessions {
		s.enqueue(payload)
	}
}

func (h *Handler) serveSession(ctx context.Context, s *session) {
	h.hub.add(s)
	defer h.hub.remove(s)

	logger := logrus.WithField("session_id", s.id)
	logger.Info("client session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop(ctx, h.gateway)
	s.close()
	<-writerDone
	_ = s.conn.Close()

	logger.Info("client session closed")
}

func (s *session) readLoop(ctx context.Context, gateway Gateway) {
	s.conn.SetReadLimit(sessionReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithField("session_id", s.id).Warnf("client session read failed: %v", err)
			}
			return
		}

		msg, err := entity.DecodeMessage(payload)
		if err != nil {
			s.reject(0, err)
			continue
		}

		if err := gateway.SendInMessage(ctx, msg); err != nil {
			var transactionID int64
			if tx, ok := msg.(entity.TransactionMessage); ok {
				transactionID = tx.GetTransactionID()
			}
			s.reject(transactionID, err)
		}
	}
}

func (s *session) reject(transactionID int64, cause error) {
	payload, err := json.Marshal(sessionError{Type: "error", TransactionID: transactionID, Error: cause.Error()})
	if err != nil {
		return
	}
	s.enqueue(payload)
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(sessionPingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close()
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sessionWriteWait)); err != nil {
				s.close()
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			err := s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(sessionWriteWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logrus.WithField("session_id", s.id).Debugf("client session close frame: %v", err)
			}
			_ = s.conn.Close()
			return
		}
	}
}
