package mcpfn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// hookAwaitTimeout bounds how long an adapter waits for the provider setup
// code to register a hook set before treating it as absent.
const hookAwaitTimeout = 500 * time.Millisecond

// Invocation carries the state of one dispatcher invocation: the provider
// configuration args, the provider's Server, and the optional OAuth and
// callback hook sets. Each slot is a write-once Future so setup code and the
// dispatcher can run concurrently without ordering constraints.
//
// A single Invocation is reused across warm invocations of one process.
// Reset swaps in fresh slots so values from a previous invocation can never
// leak into the next one.
type Invocation struct {
	mu        sync.RWMutex
	args      *Future[map[string]any]
	server    *Future[*Server]
	oauth     *Future[*OAuthHandler]
	callbacks *Future[*CallbackHandler]
}

// NewInvocation returns an Invocation with all slots unresolved.
func NewInvocation() *Invocation {
	return &Invocation{
		args:      NewFuture[map[string]any](),
		server:    NewFuture[*Server](),
		oauth:     NewFuture[*OAuthHandler](),
		callbacks: NewFuture[*CallbackHandler](),
	}
}

// Reset discards all slots and replaces them with unresolved ones. The
// dispatcher calls this at the start of every invocation.
func (inv *Invocation) Reset() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.args = NewFuture[map[string]any]()
	inv.server = NewFuture[*Server]()
	inv.oauth = NewFuture[*OAuthHandler]()
	inv.callbacks = NewFuture[*CallbackHandler]()
}

// SetArgs resolves the configuration args slot for the current invocation.
func (inv *Invocation) SetArgs(args map[string]any) {
	inv.argsSlot().Resolve(args)
}

// Args returns the configuration args without blocking. It returns an empty
// map when args have not been set, so provider code reading configuration
// during setup never deadlocks on itself.
func (inv *Invocation) Args() map[string]any {
	args, ok := inv.argsSlot().TryValue()
	if !ok || args == nil {
		return map[string]any{}
	}
	return args
}

// SetServer resolves the server slot.
func (inv *Invocation) SetServer(srv *Server) {
	inv.serverSlot().Resolve(srv)
}

// Server blocks until the provider's Server is available or ctx is done.
func (inv *Invocation) Server(ctx context.Context) (*Server, error) {
	return inv.serverSlot().Await(ctx)
}

// SetOAuth registers the provider's OAuth hook set. Both required hooks must
// be present.
func (inv *Invocation) SetOAuth(h *OAuthHandler) error {
	if h == nil {
		return errors.New("oauth handler is nil")
	}
	if h.GetAuthorizationURL == nil {
		return errors.New("oauth handler missing GetAuthorizationURL")
	}
	if h.HandleCallback == nil {
		return errors.New("oauth handler missing HandleCallback")
	}

	inv.oauthSlot().Resolve(h)
	return nil
}

// OAuth waits up to hookAwaitTimeout for an OAuth hook set. ErrAwaitTimeout
// means the provider never registered one.
func (inv *Invocation) OAuth(ctx context.Context) (*OAuthHandler, error) {
	return inv.oauthSlot().AwaitTimeout(ctx, hookAwaitTimeout)
}

// SetCallbacks registers the provider's callback hook set. Handle is
// required.
func (inv *Invocation) SetCallbacks(h *CallbackHandler) error {
	if h == nil {
		return errors.New("callback handler is nil")
	}
	if h.Handle == nil {
		return errors.New("callback handler missing Handle")
	}

	inv.callbacksSlot().Resolve(h)
	return nil
}

// Callbacks waits up to hookAwaitTimeout for a callback hook set.
// ErrAwaitTimeout means the provider never registered one.
func (inv *Invocation) Callbacks(ctx context.Context) (*CallbackHandler, error) {
	return inv.callbacksSlot().AwaitTimeout(ctx, hookAwaitTimeout)
}

func (inv *Invocation) argsSlot() *Future[map[string]any] {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.args
}

func (inv *Invocation) serverSlot() *Future[*Server] {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.server
}

func (inv *Invocation) oauthSlot() *Future[*OAuthHandler] {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.oauth
}

func (inv *Invocation) callbacksSlot() *Future[*CallbackHandler] {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.callbacks
}
