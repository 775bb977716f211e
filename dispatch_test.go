package mcpfn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func dispatchTestSetup(inv *Invocation) (*Server, error) {
	srv := NewServer(
		Info{Name: "dispatch-test", Version: "1.0"},
		WithInstructions("test provider"),
	)

	srv.RegisterTool("echo", ToolOptions{Description: "Echo args back."},
		func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		})
	srv.RegisterTool("fail", ToolOptions{},
		func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("boom")
		})
	srv.RegisterTool("config", ToolOptions{},
		func(context.Context, map[string]any) (any, error) {
			return inv.Args(), nil
		})

	srv.RegisterResource("test://{id}", ResourceOptions{},
		func(_ context.Context, uri string) (any, error) {
			if uri == "test://1" {
				return "resource one", nil
			}
			return nil, nil
		})

	srv.RegisterPrompt("greet", PromptOptions{},
		func(_ context.Context, args map[string]string) (any, error) {
			return "hello " + args["who"], nil
		})

	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(_ context.Context, input map[string]any) (any, error) {
			return "https://auth.example/start", nil
		},
		HandleCallback: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"token": input["code"]}, nil
		},
	}); err != nil {
		return nil, err
	}

	if err := inv.SetCallbacks(&CallbackHandler{
		Handle: func(_ context.Context, event CallbackEvent) (any, error) {
			return event.Payload, nil
		},
		Poll: func(_ context.Context, req PollRequest) (any, error) {
			req.SetState("next")
			return nil, nil
		},
	}); err != nil {
		return nil, err
	}

	return srv, nil
}

func newTestDispatcher(t *testing.T, options ...DispatcherOption) *Dispatcher {
	t.Helper()
	options = append([]DispatcherOption{
		WithSettleDelay(0),
		WithDispatcherLogger(testLogger()),
	}, options...)
	return NewDispatcher(dispatchTestSetup, options...)
}

func rawMessages(msgs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		out[i] = json.RawMessage(m)
	}
	return out
}

func TestDispatchMCPEmptyBatch(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{Action: ActionMCPRequest})
	if res.Success {
		t.Fatal("expected failure for empty batch")
	}
	if res.Error == nil || res.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("expected invalid_request, got %+v", res.Error)
	}
}

func TestDispatchMCPReplyOrder(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"n":1}}}`,
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"n":2}}}`,
			`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"n":3}}}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if len(res.Responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(res.Responses))
	}

	var ids []string
	for _, r := range res.Responses {
		ids = append(ids, string(r.ID))
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, ids); diff != "" {
		t.Errorf("reply order mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchMCPNotificationNoReply(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if len(res.Responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(res.Responses))
	}
	if res.Responses[0].ID != "a" {
		t.Errorf("expected reply for request a, got %q", res.Responses[0].ID)
	}
}

func TestDispatchMCPSiblingIsolation(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail","arguments":{}}}`,
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"ok":true}}}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success envelope, got %+v", res.Error)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(res.Responses))
	}

	if res.Responses[0].Error == nil {
		t.Error("expected error reply for failing tool")
	} else if res.Responses[0].Error.Code != jsonRPCInternalErrorCode {
		t.Errorf("expected internal error code, got %d", res.Responses[0].Error.Code)
	}
	if res.Responses[1].Error != nil {
		t.Errorf("expected sibling to succeed, got %+v", res.Responses[1].Error)
	}
}

func TestDispatchMCPParseError(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{not valid json`,
			`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success envelope, got %+v", res.Error)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(res.Responses))
	}
	if res.Responses[0].Error == nil || res.Responses[0].Error.Code != jsonRPCParseErrorCode {
		t.Errorf("expected parse error reply, got %+v", res.Responses[0])
	}
	if res.Responses[1].Error != nil {
		t.Errorf("expected ping to survive sibling parse failure, got %+v", res.Responses[1].Error)
	}
}

func TestDispatchMCPStringEncodedMessage(t *testing.T) {
	d := newTestDispatcher(t)

	encoded, _ := json.Marshal(`{"jsonrpc":"2.0","id":"x","method":"ping"}`)
	res := d.DispatchMCP(context.Background(), Event{
		Action:   ActionMCPRequest,
		Messages: []json.RawMessage{encoded},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if len(res.Responses) != 1 || res.Responses[0].ID != "x" {
		t.Errorf("expected ping reply for string-encoded message, got %+v", res.Responses)
	}
}

func TestDispatchMCPUnknownToolCode(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing","arguments":{}}}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success envelope, got %+v", res.Error)
	}
	if res.Responses[0].Error == nil || res.Responses[0].Error.Code != jsonRPCInvalidParamsCode {
		t.Errorf("expected invalid params for unknown tool, got %+v", res.Responses[0].Error)
	}
}

func TestDispatchMCPArgsVisibleToHandlers(t *testing.T) {
	d := newTestDispatcher(t)

	args, _ := json.Marshal(map[string]any{"tenant": "acme"})
	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Args:   args,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"config","arguments":{}}}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}

	var got map[string]any
	if err := json.Unmarshal(res.Responses[0].Result, &got); err != nil {
		t.Fatalf("invalid result: %v", err)
	}
	if got["tenant"] != "acme" {
		t.Errorf("expected handler to see event args, got %v", got)
	}
}

func TestDispatchMCPDirectMode(t *testing.T) {
	d := newTestDispatcher(t, WithDirectDispatch())

	res := d.DispatchMCP(context.Background(), Event{
		Action: ActionMCPRequest,
		Messages: rawMessages(
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`,
			`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"test://1"}}`,
		),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(res.Responses))
	}

	var init initializeResult
	if err := json.Unmarshal(res.Responses[0].Result, &init); err != nil {
		t.Fatalf("invalid initialize result: %v", err)
	}
	if init.ServerInfo.Name != "dispatch-test" {
		t.Errorf("unexpected server info: %+v", init.ServerInfo)
	}

	var read string
	if err := json.Unmarshal(res.Responses[1].Result, &read); err != nil {
		t.Fatalf("invalid read result: %v", err)
	}
	if read != "resource one" {
		t.Errorf("expected resource one, got %q", read)
	}
}

func TestDispatchDiscover(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), Event{Action: ActionDiscover})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if res.Discovery == nil {
		t.Fatal("expected discovery payload")
	}

	disc := res.Discovery
	if len(disc.Tools) != 3 {
		t.Errorf("expected 3 tools, got %d", len(disc.Tools))
	}
	if len(disc.ResourceTemplates) != 1 {
		t.Errorf("expected 1 resource template, got %d", len(disc.ResourceTemplates))
	}
	if len(disc.Prompts) != 1 {
		t.Errorf("expected 1 prompt, got %d", len(disc.Prompts))
	}
	if disc.Implementation.Name != "dispatch-test" {
		t.Errorf("unexpected implementation: %+v", disc.Implementation)
	}
	if disc.Capabilities.Tools == nil || disc.Capabilities.Resources == nil || disc.Capabilities.Prompts == nil {
		t.Errorf("expected all capability keys, got %+v", disc.Capabilities)
	}
	if disc.Instructions != "test provider" {
		t.Errorf("unexpected instructions: %q", disc.Instructions)
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), Event{Action: "nope"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != ErrCodeUnknownAction {
		t.Errorf("expected unknown_action, got %q", res.Error.Code)
	}
}

func TestDispatchSetupFailure(t *testing.T) {
	d := NewDispatcher(func(*Invocation) (*Server, error) {
		return nil, errors.New("bad config")
	}, WithSettleDelay(0), WithDispatcherLogger(testLogger()))

	res := d.Dispatch(context.Background(), Event{Action: ActionDiscover})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != ErrCodeDiscovery {
		t.Errorf("expected discovery_error, got %q", res.Error.Code)
	}
}

func TestDispatchOAuthActions(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), Event{Action: ActionOAuth, OAuthAction: "get"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	status, ok := res.OAuth.(OAuthStatus)
	if !ok {
		t.Fatalf("expected OAuthStatus, got %T", res.OAuth)
	}
	if !status.Enabled || status.HasForm {
		t.Errorf("unexpected status: %+v", status)
	}

	input, _ := json.Marshal(map[string]any{"code": "abc"})
	res = d.Dispatch(context.Background(), Event{
		Action:      ActionOAuth,
		OAuthAction: "callback",
		OAuthInput:  input,
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	payload, ok := res.OAuth.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", res.OAuth)
	}
	authData, ok := payload["authData"].(map[string]any)
	if !ok || authData["token"] != "abc" {
		t.Errorf("unexpected auth data: %v", payload)
	}

	res = d.Dispatch(context.Background(), Event{Action: ActionOAuth, OAuthAction: "authorization-form"})
	if res.Success {
		t.Fatal("expected failure for absent optional hook")
	}
	if res.Error.Code != ErrCodeOAuth {
		t.Errorf("expected oauth_error, got %q", res.Error.Code)
	}
}

func TestDispatchOAuthURLNormalization(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), Event{
		Action:      ActionOAuth,
		OAuthAction: "authorization-url",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}

	payload, ok := res.OAuth.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", res.OAuth)
	}
	want := map[string]any{
		"authorizationUrl": "https://auth.example/start",
		"codeVerifier":     "",
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Errorf("normalized payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchCallbacksActions(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), Event{Action: ActionCallbacks, CallbackAction: "get"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	status, ok := res.Callbacks.(CallbackStatus)
	if !ok {
		t.Fatalf("expected CallbackStatus, got %T", res.Callbacks)
	}
	if !status.Enabled || status.Type != "polling" {
		t.Errorf("unexpected status: %+v", status)
	}

	input, _ := json.Marshal(map[string]any{
		"callbackId": "cb1",
		"events": []map[string]any{
			{"eventId": "e1", "payload": "p1"},
			{"eventId": "e2", "payload": "p2"},
		},
	})
	res = d.Dispatch(context.Background(), Event{
		Action:         ActionCallbacks,
		CallbackAction: "handle",
		CallbackInput:  input,
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	payload, ok := res.Callbacks.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", res.Callbacks)
	}
	results, ok := payload["results"].([]CallbackEventResult)
	if !ok {
		t.Fatalf("expected results slice, got %T", payload["results"])
	}
	if len(results) != 2 || !results[0].Success || results[0].EventID != "e1" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestDispatchHooksSurviveReset(t *testing.T) {
	d := newTestDispatcher(t)

	for i := range 3 {
		res := d.Dispatch(context.Background(), Event{Action: ActionOAuth, OAuthAction: "get"})
		if !res.Success {
			t.Fatalf("round %d: expected success, got %+v", i, res.Error)
		}
		status := res.OAuth.(OAuthStatus)
		if !status.Enabled {
			t.Fatalf("round %d: expected oauth to stay enabled across invocations", i)
		}
	}
}

func TestDispatchSettleDelay(t *testing.T) {
	d := newTestDispatcher(t, WithSettleDelay(30*time.Millisecond))

	start := time.Now()
	res := d.DispatchMCP(context.Background(), Event{
		Action:   ActionMCPRequest,
		Messages: rawMessages(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected settle delay, finished in %v", elapsed)
	}
}
