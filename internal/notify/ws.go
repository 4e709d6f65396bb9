package notify

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// Conn is the part of *websocket.Conn a session writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession represents a connected rider session
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds the latest session of each rider.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for riderID, closing any previous session.
func (r *WSRegistry) Add(riderID string, conn Conn) {
	r.mu.Lock()
	old := r.sessions[riderID]
	r.sessions[riderID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if conn is still the registered one.
func (r *WSRegistry) Remove(riderID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[riderID]; ok && s.conn == conn {
		delete(r.sessions, riderID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify pushes msg to the rider's session.
func (r *WSRegistry) Notify(riderID string, msg any) error {
	r.mu.RLock()
	s, ok := r.sessions[riderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		r.logger.Warn("ws send error", "rider_id", riderID, "err", err)
		r.Remove(riderID, s.conn)
		return err
	}
	return nil
}
