package mcpfn

import (
	"context"
	"iter"
)

// Session represents a bidirectional communication channel between a server
// and a single client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other end of the session. The context
	// bounds the send.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the
	// other end. The iterator terminates when the session is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop terminates the session and releases any associated resources.
	Stop()
}

// ServerTransport provides the mechanism for accepting client sessions.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they
	// are established.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully closes the transport and all active sessions.
	Shutdown(ctx context.Context) error
}
