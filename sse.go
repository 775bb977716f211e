package mcpfn

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements ServerTransport over HTTP with Server-Sent Events.
// Clients connect to the SSE handler, receive a session-scoped message
// endpoint as the first event, and post their messages to that endpoint.
type SSEServer struct {
	messageURL string

	mu       sync.RWMutex
	sessions map[string]*sseSession
	closed   bool

	sessionCh chan Session
}

// NewSSEServer creates a transport. messageURL is the absolute or relative
// URL clients should post messages to; the session id is appended as a query
// parameter.
func NewSSEServer(messageURL string) *SSEServer {
	return &SSEServer{
		messageURL: messageURL,
		sessions:   make(map[string]*sseSession),
		sessionCh:  make(chan Session, 8),
	}
}

// Sessions yields sessions as clients connect.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for sess := range s.sessionCh {
			if !yield(sess) {
				return
			}
		}
	}
}

// Shutdown stops all sessions and rejects new connections.
func (s *SSEServer) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.sessionCh)
	for _, sess := range s.sessions {
		sess.stop()
	}
	s.sessions = make(map[string]*sseSession)
	return nil
}

// HandleSSE is the HTTP handler for the event stream endpoint. It upgrades
// the connection, announces the message endpoint, and streams replies until
// the client disconnects.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgraded, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, fmt.Sprintf("upgrade failed: %s", err), http.StatusInternalServerError)
			return
		}

		sess := &sseSession{
			id:      uuid.New().String(),
			msgs:    make(chan JSONRPCMessage, 16),
			replies: make(chan JSONRPCMessage, 16),
			done:    make(chan struct{}),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.sessions[sess.id] = sess
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			sess.stop()
		}()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sess.id)
		endpointMsg := &sse.Message{Type: sse.Type("endpoint")}
		endpointMsg.AppendData(endpoint)
		if err := upgraded.Send(endpointMsg); err != nil {
			return
		}
		if err := upgraded.Flush(); err != nil {
			return
		}

		s.sessionCh <- sess

		for {
			select {
			case msg := <-sess.replies:
				msgBs, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				event := &sse.Message{Type: sse.Type("message")}
				event.AppendData(string(msgBs))
				if err := upgraded.Send(event); err != nil {
					return
				}
				if err := upgraded.Flush(); err != nil {
					return
				}
			case <-sess.done:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

// HandleMessage is the HTTP handler for the message ingest endpoint. It
// routes each posted message to the session named by the sessionID query
// parameter.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionID")
		if sessionID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		sess, ok := s.sessions[sessionID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid message: %s", err), http.StatusBadRequest)
			return
		}

		select {
		case sess.msgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

// sseSession routes inbound posted messages to the protocol loop and reply
// sends back to the streaming handler.
type sseSession struct {
	id string

	msgs    chan JSONRPCMessage
	replies chan JSONRPCMessage

	done     chan struct{}
	stopOnce sync.Once
}

func (s *sseSession) ID() string {
	return s.id
}

func (s *sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case s.replies <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s is closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.msgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseSession) Stop() {
	s.stop()
}

func (s *sseSession) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}
