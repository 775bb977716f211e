package mcpfn

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// CallbackEvent is one external event delivered to a provider's callback
// handler.
type CallbackEvent struct {
	CallbackID string
	EventID    string
	Payload    any
}

// PollRequest is handed to a polling provider's Poll hook. SetState records
// the cursor to return to the host; it may be called any number of times and
// the last value wins. When it is never called, the inbound State is
// returned unchanged.
type PollRequest struct {
	CallbackID string
	State      any
	SetState   func(state any)
}

// CallbackHandler is the set of callback hooks a provider may register via
// Invocation.SetCallbacks. Handle is required; Install and Poll select the
// delivery mode.
type CallbackHandler struct {
	Handle  func(ctx context.Context, event CallbackEvent) (any, error)
	Install func(ctx context.Context, input map[string]any) error
	Poll    func(ctx context.Context, req PollRequest) (any, error)
}

// CallbackStatus reports whether a provider handles callbacks and which
// delivery mode it uses.
type CallbackStatus struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type,omitempty"`
}

// CallbackEventResult is the per-event outcome of a HandleEvents batch.
type CallbackEventResult struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallbackAdapter routes callback actions to the hook set registered on an
// Invocation.
type CallbackAdapter struct {
	inv *Invocation
}

// NewCallbackAdapter creates an adapter bound to inv.
func NewCallbackAdapter(inv *Invocation) *CallbackAdapter {
	return &CallbackAdapter{inv: inv}
}

// Get reports the provider's callback support. The type is "webhook" when
// an Install hook exists, "polling" when only a Poll hook exists, and
// "manual" otherwise.
func (a *CallbackAdapter) Get(ctx context.Context) (CallbackStatus, error) {
	h, err := a.inv.Callbacks(ctx)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			return CallbackStatus{}, nil
		}
		return CallbackStatus{}, err
	}

	typ := "manual"
	switch {
	case h.Install != nil:
		typ = "webhook"
	case h.Poll != nil:
		typ = "polling"
	}
	return CallbackStatus{Enabled: true, Type: typ}, nil
}

type callbackEventInput struct {
	EventID string `json:"eventId"`
	Payload any    `json:"payload"`
}

type handleEventsInput struct {
	CallbackID string               `json:"callbackId"`
	Events     []callbackEventInput `json:"events"`
}

// HandleEvents fans a batch of events out to the Handle hook. Each event is
// isolated: a failing event yields an error entry without disturbing its
// siblings.
func (a *CallbackAdapter) HandleEvents(ctx context.Context, input handleEventsInput) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]CallbackEventResult, len(input.Events))
	var wg sync.WaitGroup
	for i, ev := range input.Events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = CallbackEventResult{
						EventID: ev.EventID,
						Error:   fmt.Sprintf("handler panic: %v", r),
					}
				}
			}()
			res, err := h.Handle(ctx, CallbackEvent{
				CallbackID: input.CallbackID,
				EventID:    ev.EventID,
				Payload:    ev.Payload,
			})
			if err != nil {
				results[i] = CallbackEventResult{
					EventID: ev.EventID,
					Error:   err.Error(),
				}
				return
			}
			results[i] = CallbackEventResult{
				Success: true,
				EventID: ev.EventID,
				Result:  res,
			}
		}()
	}
	wg.Wait()

	return map[string]any{"results": results}, nil
}

type installInput struct {
	CallbackID string         `json:"callbackId"`
	Config     map[string]any `json:"config"`
}

// Install asks a webhook provider to register the callback externally.
func (a *CallbackAdapter) Install(ctx context.Context, input installInput) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}
	if h.Install == nil {
		return nil, fmt.Errorf("install: %w", ErrNotSupported)
	}

	cfg := input.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["callbackId"] = input.CallbackID
	if err := h.Install(ctx, cfg); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type pollInput struct {
	CallbackID string `json:"callbackId"`
	State      any    `json:"state"`
}

// Poll runs a polling provider's Poll hook and threads the state cursor
// through. The hook's result is normalized to a slice of events.
func (a *CallbackAdapter) Poll(ctx context.Context, input pollInput) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}
	if h.Poll == nil {
		return nil, fmt.Errorf("poll: %w", ErrNotSupported)
	}

	var (
		stateMu  sync.Mutex
		newState = input.State
	)
	res, err := h.Poll(ctx, PollRequest{
		CallbackID: input.CallbackID,
		State:      input.State,
		SetState: func(state any) {
			stateMu.Lock()
			newState = state
			stateMu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	return map[string]any{
		"events":   normalizeEvents(res),
		"newState": newState,
	}, nil
}

// normalizeEvents coerces a poll result into a slice: nil becomes an empty
// slice, a slice passes through, and anything else is wrapped as a
// single-element slice.
func normalizeEvents(res any) any {
	if res == nil {
		return []any{}
	}
	if reflect.ValueOf(res).Kind() == reflect.Slice {
		return res
	}
	return []any{res}
}

func (a *CallbackAdapter) handler(ctx context.Context) (*CallbackHandler, error) {
	h, err := a.inv.Callbacks(ctx)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			return nil, fmt.Errorf("callbacks: %w", ErrNotConfigured)
		}
		return nil, err
	}
	return h, nil
}
