package mcpfn

import (
	"context"
	"errors"
	"fmt"
)

// OAuthHook is the shape of every OAuth hook: free-form input in, free-form
// result out.
type OAuthHook func(ctx context.Context, input map[string]any) (any, error)

// OAuthHandler is the set of OAuth hooks a provider may register via
// Invocation.SetOAuth. GetAuthorizationURL and HandleCallback are required;
// the rest are optional.
type OAuthHandler struct {
	GetAuthorizationURL OAuthHook
	HandleCallback      OAuthHook
	GetAuthForm         OAuthHook
	RefreshAccessToken  OAuthHook
}

// OAuthStatus reports whether a provider supports OAuth and whether it
// exposes a configuration form.
type OAuthStatus struct {
	Enabled bool `json:"enabled"`
	HasForm bool `json:"hasForm"`
}

// OAuthAdapter routes oauth actions to the hook set registered on an
// Invocation.
type OAuthAdapter struct {
	inv *Invocation
}

// NewOAuthAdapter creates an adapter bound to inv.
func NewOAuthAdapter(inv *Invocation) *OAuthAdapter {
	return &OAuthAdapter{inv: inv}
}

// Get reports the provider's OAuth support. A provider that never registers
// a hook set is reported as disabled rather than failing.
func (a *OAuthAdapter) Get(ctx context.Context) (OAuthStatus, error) {
	h, err := a.inv.OAuth(ctx)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			return OAuthStatus{}, nil
		}
		return OAuthStatus{}, err
	}
	return OAuthStatus{
		Enabled: true,
		HasForm: h.GetAuthForm != nil,
	}, nil
}

// AuthorizationURL resolves the authorization URL for input. A hook that
// returns a bare string is normalized to the object form with an empty code
// verifier.
func (a *OAuthAdapter) AuthorizationURL(ctx context.Context, input map[string]any) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}

	res, err := h.GetAuthorizationURL(ctx, input)
	if err != nil {
		return nil, err
	}
	if s, ok := res.(string); ok {
		return map[string]any{
			"authorizationUrl": s,
			"codeVerifier":     "",
		}, nil
	}
	return res, nil
}

// AuthorizationForm returns the provider's configuration form.
func (a *OAuthAdapter) AuthorizationForm(ctx context.Context, input map[string]any) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}
	if h.GetAuthForm == nil {
		return nil, fmt.Errorf("auth form: %w", ErrNotSupported)
	}

	form, err := h.GetAuthForm(ctx, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"authForm": form}, nil
}

// Callback exchanges the authorization callback input for auth data.
func (a *OAuthAdapter) Callback(ctx context.Context, input map[string]any) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}

	data, err := h.HandleCallback(ctx, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"authData": data}, nil
}

// Refresh exchanges a refresh token for new auth data.
func (a *OAuthAdapter) Refresh(ctx context.Context, input map[string]any) (any, error) {
	h, err := a.handler(ctx)
	if err != nil {
		return nil, err
	}
	if h.RefreshAccessToken == nil {
		return nil, fmt.Errorf("token refresh: %w", ErrNotSupported)
	}

	data, err := h.RefreshAccessToken(ctx, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"authData": data}, nil
}

func (a *OAuthAdapter) handler(ctx context.Context) (*OAuthHandler, error) {
	h, err := a.inv.OAuth(ctx)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			return nil, fmt.Errorf("oauth: %w", ErrNotConfigured)
		}
		return nil, err
	}
	return h, nil
}
