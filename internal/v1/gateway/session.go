// Package gateway owns the WebSocket edge: authenticating connections,
// pumping frames in both directions, and translating inbound frames into
// Task Service calls.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session is one live client connection. It implements types.SessionInterface.
// All outbound traffic goes through the bounded send channel; a full channel
// means the consumer is too slow and the frame is dropped by the caller.
type Session struct {
	conn        wsConnection
	hub         *Hub
	id          types.SessionIDType
	userID      types.UserIDType
	displayName string

	mu          sync.RWMutex
	closed      bool
	closeReason string
	closeOnce   sync.Once

	send chan []byte
}

func (s *Session) GetID() types.SessionIDType {
	return s.id
}

func (s *Session) GetUserID() types.UserIDType {
	return s.userID
}

func (s *Session) GetDisplayName() string {
	return s.displayName
}

// Send enqueues a pre-serialised frame. It never blocks; false means the
// session is closed or its queue is full.
func (s *Session) Send(frame []byte) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	// The channel can be closed between the check and the send.
	defer func() {
		_ = recover()
	}()

	select {
	case s.send <- frame:
		return true
	default:
		logging.Warn(context.Background(), "Session send queue full",
			zap.String("session_id", string(s.id)),
			zap.String("user_id", string(s.userID)),
		)
		return false
	}
}

// Close marks the session closed and lets the writePump drain its queue, send
// the close frame, and tear down the connection.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeReason = reason
		s.mu.Unlock()
		close(s.send)
	})
}

// readPump processes incoming frames until the connection drops.
func (s *Session) readPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to decode frame",
				zap.String("session_id", string(s.id)), zap.Error(err))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(s.id))
		ctx = context.WithValue(ctx, logging.UserIDKey, string(s.userID))
		s.hub.handleFrame(ctx, s, &frame)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	writeWait := 10 * time.Second

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}

	// Channel closed: say goodbye with the recorded reason.
	s.mu.RLock()
	reason := s.closeReason
	s.mu.RUnlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
