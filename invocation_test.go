package mcpfn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInvocationArgsNonBlocking(t *testing.T) {
	inv := NewInvocation()

	args := inv.Args()
	if len(args) != 0 {
		t.Errorf("expected empty args before SetArgs, got %v", args)
	}

	inv.SetArgs(map[string]any{"region": "eu"})
	args = inv.Args()
	if args["region"] != "eu" {
		t.Errorf("expected region eu, got %v", args["region"])
	}
}

func TestInvocationResetIsolation(t *testing.T) {
	inv := NewInvocation()
	inv.SetArgs(map[string]any{"secret": "first"})
	inv.SetServer(NewServer(Info{Name: "a", Version: "1"}))

	inv.Reset()

	if len(inv.Args()) != 0 {
		t.Error("expected args to be cleared after Reset")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := inv.Server(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected server slot unresolved after Reset, got %v", err)
	}
}

func TestInvocationSetOAuthValidation(t *testing.T) {
	inv := NewInvocation()

	if err := inv.SetOAuth(nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := inv.SetOAuth(&OAuthHandler{
		HandleCallback: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}); err == nil {
		t.Error("expected error for missing GetAuthorizationURL")
	}
	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}); err == nil {
		t.Error("expected error for missing HandleCallback")
	}

	err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) { return "u", nil },
		HandleCallback:      func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := inv.OAuth(context.Background()); err != nil {
		t.Errorf("expected oauth handler, got error %v", err)
	}
}

func TestInvocationSetCallbacksValidation(t *testing.T) {
	inv := NewInvocation()

	if err := inv.SetCallbacks(&CallbackHandler{}); err == nil {
		t.Error("expected error for missing Handle")
	}

	err := inv.SetCallbacks(&CallbackHandler{
		Handle: func(context.Context, CallbackEvent) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvocationHookTimeout(t *testing.T) {
	inv := NewInvocation()

	start := time.Now()
	_, err := inv.OAuth(context.Background())
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < hookAwaitTimeout {
		t.Errorf("expected wait of at least %v, got %v", hookAwaitTimeout, elapsed)
	}
}
