package mcpfn

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestOAuthAdapterUnconfigured(t *testing.T) {
	inv := NewInvocation()
	a := NewOAuthAdapter(inv)

	status, err := a.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Enabled || status.HasForm {
		t.Errorf("expected disabled status, got %+v", status)
	}

	_, err = a.AuthorizationURL(context.Background(), nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestOAuthAdapterStatus(t *testing.T) {
	inv := NewInvocation()
	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) { return "u", nil },
		HandleCallback:      func(context.Context, map[string]any) (any, error) { return nil, nil },
		GetAuthForm:         func(context.Context, map[string]any) (any, error) { return "form", nil },
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := NewOAuthAdapter(inv)
	status, err := a.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Enabled || !status.HasForm {
		t.Errorf("expected enabled status with form, got %+v", status)
	}
}

func TestOAuthAdapterURLPassThrough(t *testing.T) {
	inv := NewInvocation()
	structured := map[string]any{
		"authorizationUrl": "https://auth.example",
		"codeVerifier":     "ver",
	}
	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) {
			return structured, nil
		},
		HandleCallback: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := NewOAuthAdapter(inv)
	res, err := a.AuthorizationURL(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := res.(map[string]any)
	if !ok || got["codeVerifier"] != "ver" {
		t.Errorf("expected structured result to pass through, got %v", res)
	}
}

func TestOAuthAdapterOptionalHooks(t *testing.T) {
	inv := NewInvocation()
	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) { return "u", nil },
		HandleCallback:      func(context.Context, map[string]any) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := NewOAuthAdapter(inv)
	if _, err := a.AuthorizationForm(context.Background(), nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("expected ErrNotSupported for absent form hook, got %v", err)
	}
	if _, err := a.Refresh(context.Background(), nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("expected ErrNotSupported for absent refresh hook, got %v", err)
	}
}

func TestOAuthAdapterHookError(t *testing.T) {
	inv := NewInvocation()
	if err := inv.SetOAuth(&OAuthHandler{
		GetAuthorizationURL: func(context.Context, map[string]any) (any, error) { return "u", nil },
		HandleCallback: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("exchange failed")
		},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := NewOAuthAdapter(inv)
	if _, err := a.Callback(context.Background(), map[string]any{"code": "x"}); err == nil {
		t.Error("expected hook error to propagate")
	}
}
