package mcpfn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SetupFunc is the provider entry point. It receives the current Invocation,
// builds the provider's Server, and registers any hook sets on the way.
type SetupFunc func(inv *Invocation) (*Server, error)

const (
	// ActionDiscover lists everything the provider exposes.
	ActionDiscover = "discover"
	// ActionMCPRequest dispatches a batch of protocol messages.
	ActionMCPRequest = "mcp.request"
	// ActionMCPBatch is an alias of ActionMCPRequest.
	ActionMCPBatch = "mcp.batch"
	// ActionOAuth routes to the provider's OAuth hooks.
	ActionOAuth = "oauth"
	// ActionCallbacks routes to the provider's callback hooks.
	ActionCallbacks = "callbacks"
)

// Result error codes, scoped by action.
const (
	ErrCodeDiscovery      = "discovery_error"
	ErrCodeMCP            = "mcp_error"
	ErrCodeOAuth          = "oauth_error"
	ErrCodeCallback       = "callback_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeUnknownAction  = "unknown_action"
)

const defaultClientName = "mcpfn"

// Dispatcher turns host events into Results. It runs the provider's setup
// once per process, resets the Invocation at the start of every event, and
// keeps handshaken bridge clients warm across events.
//
// A Dispatcher serializes provider loading but dispatches the messages of
// one batch concurrently.
type Dispatcher struct {
	setup  SetupFunc
	inv    *Invocation
	logger *slog.Logger

	direct      bool
	settleDelay time.Duration

	loadMu    sync.Mutex
	loaded    bool
	srv       *Server
	bridge    *Bridge
	oauth     *OAuthHandler
	callbacks *CallbackHandler

	oauthAdapter    *OAuthAdapter
	callbackAdapter *CallbackAdapter
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithDirectDispatch routes registry methods straight to the Server instead
// of through the in-process handshake bridge. Discovery-style methods still
// behave identically; the bridge path exercises the full protocol and is
// the default.
func WithDirectDispatch() DispatcherOption {
	return func(d *Dispatcher) {
		d.direct = true
	}
}

// WithSettleDelay overrides the pause after a batch completes, which gives
// in-flight provider side effects a chance to finish before the process is
// frozen. Zero disables it.
func WithSettleDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.settleDelay = delay
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a Dispatcher around setup.
func NewDispatcher(setup SetupFunc, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		setup:       setup,
		inv:         NewInvocation(),
		logger:      slog.Default(),
		settleDelay: 100 * time.Millisecond,
	}
	for _, opt := range options {
		opt(d)
	}
	d.oauthAdapter = NewOAuthAdapter(d.inv)
	d.callbackAdapter = NewCallbackAdapter(d.inv)
	return d
}

// Invocation exposes the dispatcher's Invocation, mainly for serving the
// same provider over a long-lived transport next to the dispatcher.
func (d *Dispatcher) Invocation() *Invocation {
	return d.inv
}

// Dispatch routes one event by its action and always returns a well-formed
// Result.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) Result {
	switch event.Action {
	case ActionDiscover:
		return d.Discover(ctx, event)
	case ActionMCPRequest, ActionMCPBatch:
		return d.DispatchMCP(ctx, event)
	case ActionOAuth:
		return d.DispatchOAuth(ctx, event)
	case ActionCallbacks:
		return d.DispatchCallbacks(ctx, event)
	default:
		return errResult(ErrCodeUnknownAction, fmt.Sprintf("unknown action: %s", event.Action))
	}
}

// load prepares the Invocation for one event: fresh slots, current args, and
// the provider setup run exactly once per process. Hook sets captured at
// first load are re-registered into every fresh epoch so they stay visible
// after Reset.
func (d *Dispatcher) load(args map[string]any) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	d.inv.Reset()
	d.inv.SetArgs(args)

	if !d.loaded {
		srv, err := d.setup(d.inv)
		if err != nil {
			return fmt.Errorf("provider setup: %w", err)
		}
		if srv == nil {
			return errors.New("provider setup returned no server")
		}
		d.srv = srv
		d.bridge = NewBridge(srv, d.logger)
		if h, ok := d.inv.oauthSlot().TryValue(); ok {
			d.oauth = h
		}
		if h, ok := d.inv.callbacksSlot().TryValue(); ok {
			d.callbacks = h
		}
		d.loaded = true
	} else {
		if d.oauth != nil {
			d.inv.oauthSlot().Resolve(d.oauth)
		}
		if d.callbacks != nil {
			d.inv.callbacksSlot().Resolve(d.callbacks)
		}
	}

	d.inv.SetServer(d.srv)
	return nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}

	data := []byte(raw)
	// The host may double-encode payloads as JSON strings.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		data = []byte(s)
	}
	return json.Unmarshal(data, dst)
}

func (d *Dispatcher) eventArgs(event Event) (map[string]any, error) {
	args := map[string]any{}
	if err := decodeObject(event.Args, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return args, nil
}

func (d *Dispatcher) clientInfo(event Event) Info {
	var participant participantJSON
	if err := decodeObject(event.ParticipantJSON, &participant); err != nil {
		d.logger.Warn("invalid participant json", slog.String("err", err.Error()))
	}

	info := participant.ClientInfo
	if info.Name == "" {
		info.Name = defaultClientName
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	return info
}

// Discover returns everything the provider exposes.
func (d *Dispatcher) Discover(ctx context.Context, event Event) Result {
	args, err := d.eventArgs(event)
	if err != nil {
		return errResult(ErrCodeDiscovery, err.Error())
	}
	if err := d.load(args); err != nil {
		return errResult(ErrCodeDiscovery, err.Error())
	}

	return Result{
		Success: true,
		Discovery: &Discovery{
			Tools:             d.srv.ListTools(),
			ResourceTemplates: d.srv.ListResourceTemplates(),
			Prompts:           d.srv.ListPrompts(),
			Capabilities:      d.srv.Capabilities(),
			Implementation:    d.srv.Info(),
			Instructions:      d.srv.Instructions(),
		},
	}
}

// DispatchMCP dispatches a batch of protocol messages concurrently and
// returns replies in the order of the requests that produced them.
// Notifications contribute no reply.
func (d *Dispatcher) DispatchMCP(ctx context.Context, event Event) Result {
	if len(event.Messages) == 0 {
		return errResult(ErrCodeInvalidRequest, "no messages provided")
	}

	args, err := d.eventArgs(event)
	if err != nil {
		return errResult(ErrCodeMCP, err.Error())
	}
	if err := d.load(args); err != nil {
		return errResult(ErrCodeMCP, err.Error())
	}

	var client *BridgeClient
	if !d.direct {
		client, err = d.bridge.Client(ctx, d.clientInfo(event))
		if err != nil {
			return errResult(ErrCodeMCP, err.Error())
		}
	}

	replies := make([]*JSONRPCMessage, len(event.Messages))
	var wg sync.WaitGroup
	for i, raw := range event.Messages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = d.processMessage(ctx, client, raw)
		}()
	}
	wg.Wait()

	d.settle(ctx)

	responses := make([]JSONRPCMessage, 0, len(replies))
	for _, r := range replies {
		if r != nil {
			responses = append(responses, *r)
		}
	}
	return Result{Success: true, Responses: responses}
}

// settle pauses briefly so provider goroutines started by the batch can
// finish before the host freezes the process.
func (d *Dispatcher) settle(ctx context.Context) {
	if d.settleDelay <= 0 {
		return
	}
	select {
	case <-time.After(d.settleDelay):
	case <-ctx.Done():
	}
}

// processMessage handles one raw message from a batch. A message that fails
// to parse yields a parse error reply instead of failing its siblings.
// Requests yield exactly one reply; notifications yield none, with failures
// logged.
func (d *Dispatcher) processMessage(ctx context.Context, client *BridgeClient, raw json.RawMessage) (reply *JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message dispatch panicked", slog.Any("panic", r))
			reply = &JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Error: &JSONRPCError{
					Code:    jsonRPCInternalErrorCode,
					Message: fmt.Sprintf("dispatch panic: %v", r),
				},
			}
		}
	}()

	data := []byte(raw)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		data = []byte(s)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Error: &JSONRPCError{
				Code:    jsonRPCParseErrorCode,
				Message: fmt.Sprintf("parse error: %s", err),
			},
		}
	}

	// Presence of the id key marks a request even when its value is null.
	var probe struct {
		ID *json.RawMessage `json:"id"`
	}
	hasID := json.Unmarshal(data, &probe) == nil && probe.ID != nil

	if !hasID {
		if err := d.dispatchNotification(ctx, client, msg); err != nil {
			d.logger.Error("notification dispatch failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		return nil
	}

	result, err := d.dispatchRequest(ctx, client, msg)
	if err != nil {
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   toJSONRPCError(err),
		}
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  result,
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, client *BridgeClient, msg JSONRPCMessage) (json.RawMessage, error) {
	if client != nil {
		return client.SendRequest(ctx, msg.Method, msg.Params)
	}
	return d.routeDirect(ctx, msg)
}

func (d *Dispatcher) dispatchNotification(ctx context.Context, client *BridgeClient, msg JSONRPCMessage) error {
	if client != nil {
		return client.SendNotification(ctx, msg.Method, msg.Params)
	}
	if msg.Method == methodNotificationsInitialized {
		return nil
	}
	d.logger.Info("ignoring notification", slog.String("method", msg.Method))
	return nil
}

// routeDirect answers a request against the registry without a session. The
// handshake methods are synthesized so direct mode stays protocol-shaped.
func (d *Dispatcher) routeDirect(ctx context.Context, msg JSONRPCMessage) (json.RawMessage, error) {
	var result any

	switch msg.Method {
	case MethodInitialize:
		result = initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    d.srv.Capabilities(),
			ServerInfo:      d.srv.Info(),
			Instructions:    d.srv.Instructions(),
		}
	case MethodPing:
		result = map[string]any{}
	case MethodToolsList:
		result = listToolsResult{Tools: d.srv.ListTools()}
	case MethodToolsCall:
		var params callToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: fmt.Sprintf("invalid params: %s", err)}
		}
		res, err := d.srv.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, err
		}
		result = res
	case MethodResourcesList:
		result = listResourcesResult{Resources: d.srv.ListResources()}
	case MethodResourcesRead:
		var params readResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: fmt.Sprintf("invalid params: %s", err)}
		}
		res, err := d.srv.ReadResource(ctx, params.URI)
		if err != nil {
			return nil, err
		}
		result = res
	case MethodResourcesTemplatesList:
		result = listResourceTemplatesResult{Templates: d.srv.ListResourceTemplates()}
	case MethodPromptsList:
		result = listPromptsResult{Prompts: d.srv.ListPrompts()}
	case MethodPromptsGet:
		var params getPromptParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: fmt.Sprintf("invalid params: %s", err)}
		}
		res, err := d.srv.GetPrompt(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, err
		}
		result = res
	default:
		return nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	return json.Marshal(result)
}

// DispatchOAuth routes an oauth action to the provider's OAuth hooks.
func (d *Dispatcher) DispatchOAuth(ctx context.Context, event Event) Result {
	if err := d.load(map[string]any{}); err != nil {
		return errResult(ErrCodeOAuth, err.Error())
	}

	input := map[string]any{}
	if err := decodeObject(event.OAuthInput, &input); err != nil {
		return errResult(ErrCodeOAuth, fmt.Sprintf("decode oauth input: %s", err))
	}

	var (
		res any
		err error
	)
	switch event.OAuthAction {
	case "get":
		res, err = d.oauthAdapter.Get(ctx)
	case "authorization-url":
		res, err = d.oauthAdapter.AuthorizationURL(ctx, input)
	case "authorization-form":
		res, err = d.oauthAdapter.AuthorizationForm(ctx, input)
	case "callback":
		res, err = d.oauthAdapter.Callback(ctx, input)
	case "refresh":
		res, err = d.oauthAdapter.Refresh(ctx, input)
	default:
		return errResult(ErrCodeOAuth, fmt.Sprintf("unknown oauth action: %s", event.OAuthAction))
	}
	if err != nil {
		return errResult(ErrCodeOAuth, err.Error())
	}
	return Result{Success: true, OAuth: res}
}

// DispatchCallbacks routes a callbacks action to the provider's callback
// hooks.
func (d *Dispatcher) DispatchCallbacks(ctx context.Context, event Event) Result {
	if err := d.load(map[string]any{}); err != nil {
		return errResult(ErrCodeCallback, err.Error())
	}

	var (
		res any
		err error
	)
	switch event.CallbackAction {
	case "get":
		res, err = d.callbackAdapter.Get(ctx)
	case "handle":
		var input handleEventsInput
		if err := decodeObject(event.CallbackInput, &input); err != nil {
			return errResult(ErrCodeCallback, fmt.Sprintf("decode callback input: %s", err))
		}
		res, err = d.callbackAdapter.HandleEvents(ctx, input)
	case "install":
		var input installInput
		if err := decodeObject(event.CallbackInput, &input); err != nil {
			return errResult(ErrCodeCallback, fmt.Sprintf("decode callback input: %s", err))
		}
		res, err = d.callbackAdapter.Install(ctx, input)
	case "poll":
		var input pollInput
		if err := decodeObject(event.CallbackInput, &input); err != nil {
			return errResult(ErrCodeCallback, fmt.Sprintf("decode callback input: %s", err))
		}
		res, err = d.callbackAdapter.Poll(ctx, input)
	default:
		return errResult(ErrCodeCallback, fmt.Sprintf("unknown callback action: %s", event.CallbackAction))
	}
	if err != nil {
		return errResult(ErrCodeCallback, err.Error())
	}
	return Result{Success: true, Callbacks: res}
}

func errResult(code, message string) Result {
	return Result{
		Success: false,
		Error: &ResultError{
			Code:    code,
			Message: message,
		},
	}
}
