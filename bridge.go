package mcpfn

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// pipeSession is one half of an in-process session pair. Sends go to the
// peer's inbox; Messages drains this half's own inbox. The done channel is
// shared between both halves, so stopping either side tears down the pair.
type pipeSession struct {
	id       string
	outbox   chan<- JSONRPCMessage
	inbox    <-chan JSONRPCMessage
	done     chan struct{}
	stopOnce *sync.Once
}

// newPipe returns two connected Session halves. Both channels are unbuffered
// so a send completes only when the peer is reading, which keeps message
// order deterministic.
func newPipe() (Session, Session) {
	aToB := make(chan JSONRPCMessage)
	bToA := make(chan JSONRPCMessage)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeSession{
		id:       uuid.New().String(),
		outbox:   aToB,
		inbox:    bToA,
		done:     done,
		stopOnce: once,
	}
	b := &pipeSession{
		id:       uuid.New().String(),
		outbox:   bToA,
		inbox:    aToB,
		done:     done,
		stopOnce: once,
	}
	return a, b
}

func (p *pipeSession) ID() string {
	return p.id
}

func (p *pipeSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case p.outbox <- msg:
		return nil
	case <-p.done:
		return fmt.Errorf("session %s is stopped", p.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-p.inbox:
				if !yield(msg) {
					return
				}
			case <-p.done:
				return
			}
		}
	}
}

func (p *pipeSession) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}

// Bridge hands out initialized in-process clients for a Server. Clients are
// cached by client name, so repeated invocations on behalf of the same
// remote client reuse one handshaken session instead of re-initializing
// per batch.
type Bridge struct {
	srv    *Server
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*BridgeClient
}

// NewBridge creates a Bridge over srv.
func NewBridge(srv *Server, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		srv:     srv,
		logger:  logger,
		clients: make(map[string]*BridgeClient),
	}
}

// Client returns the cached client for info.Name, creating and initializing
// one on first use. Lookup and creation happen under one lock, so two
// concurrent first uses of the same name share a single handshake.
func (b *Bridge) Client(ctx context.Context, info Info) (*BridgeClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[info.Name]; ok {
		return c, nil
	}

	c, err := b.connect(ctx, info)
	if err != nil {
		return nil, err
	}
	b.clients[info.Name] = c
	return c, nil
}

func (b *Bridge) connect(ctx context.Context, info Info) (*BridgeClient, error) {
	serverEnd, clientEnd := newPipe()

	go newServerSession(serverEnd, b.srv, b.logger).run()

	c := &BridgeClient{
		session: clientEnd,
		logger:  b.logger.With(slog.String("client", info.Name)),
		pending: make(map[MustString]chan JSONRPCMessage),
	}
	go c.listen()

	if err := c.initialize(ctx, info); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return c, nil
}

// Close stops all cached client sessions.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.clients {
		c.Close()
	}
	b.clients = make(map[string]*BridgeClient)
}

// BridgeClient is the client end of an in-process session. It correlates
// request ids with response channels so concurrent requests can be in
// flight on one session.
type BridgeClient struct {
	session Session
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[MustString]chan JSONRPCMessage

	serverInfo         Info
	serverCapabilities ServerCapabilities
}

func (c *BridgeClient) listen() {
	for msg := range c.session.Messages() {
		if msg.ID == "" {
			c.logger.Info("dropping server notification", slog.String("method", msg.Method))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()

		if !ok {
			c.logger.Warn("response with unknown id", slog.String("id", string(msg.ID)))
			continue
		}
		ch <- msg
	}
}

func (c *BridgeClient) initialize(ctx context.Context, info Info) error {
	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      info,
	})
	if err != nil {
		return err
	}

	resBs, err := c.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return err
	}

	var res initializeResult
	if err := json.Unmarshal(resBs, &res); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	c.serverInfo = res.ServerInfo
	c.serverCapabilities = res.Capabilities

	return c.SendNotification(ctx, methodNotificationsInitialized, nil)
}

// ServerInfo returns the identity the server reported during the handshake.
func (c *BridgeClient) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server reported during
// the handshake.
func (c *BridgeClient) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// SendRequest sends a request and waits for its response. A protocol error
// response is returned as a *JSONRPCError so callers can forward it
// verbatim.
func (c *BridgeClient) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := MustString(uuid.New().String())
	ch := make(chan JSONRPCMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.session.Send(ctx, msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification sends a notification. No response is expected.
func (c *BridgeClient) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	return c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// Close stops the underlying session.
func (c *BridgeClient) Close() {
	c.session.Stop()
}
