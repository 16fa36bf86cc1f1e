package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type AuthState string

const (
	AuthUninitialized AuthState = "uninitialized"
	AuthValidating    AuthState = "validating"
	AuthAuthenticated AuthState = "authenticated"
	AuthExpired       AuthState = "authenticated-expired"
	AuthMock          AuthState = "mock"
)

// TokenProvider yields a bearer credential with spreadsheet write scope.
type TokenProvider func(ctx context.Context) (string, error)

type AuthManager interface {
	Acquire(ctx context.Context, interactive bool) (string, error)
	Validate(ctx context.Context, token string) error
	Invalidate(ctx context.Context, token string) error
	State() AuthState
}

// ProviderAuth wraps a host token provider. Acquire is lazy: the cached
// token is reused until Invalidate discards it.
type ProviderAuth struct {
	provider TokenProvider
	validate func(ctx context.Context, token string) error

	mu    sync.Mutex
	state AuthState
	token string
}

type ProviderAuthOptions struct {
	Provider TokenProvider
	// Validate probes the write endpoint with a harmless no-op rather than
	// an introspection call. Optional.
	Validate func(ctx context.Context, token string) error
}

func NewProviderAuth(opts ProviderAuthOptions) (*ProviderAuth, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: token provider is required", ErrInvalidInput)
	}
	return &ProviderAuth{
		provider: opts.Provider,
		validate: opts.Validate,
		state:    AuthUninitialized,
	}, nil
}

func (a *ProviderAuth) Acquire(ctx context.Context, interactive bool) (string, error) {
	a.mu.Lock()
	if a.state == AuthAuthenticated && a.token != "" {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.state = AuthValidating
	a.mu.Unlock()

	token, err := a.provider(ctx)
	if err != nil {
		a.setState(AuthUninitialized, "")
		return "", &PipelineError{Kind: KindAuthUnavailable, Message: err.Error()}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		a.setState(AuthUninitialized, "")
		return "", pipelineErrorf(KindAuthUnavailable, "token provider returned empty token")
	}
	a.setState(AuthAuthenticated, token)
	return token, nil
}

func (a *ProviderAuth) Validate(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return pipelineErrorf(KindAuthUnavailable, "empty token")
	}
	if a.validate == nil {
		return nil
	}
	return a.validate(ctx, token)
}

func (a *ProviderAuth) Invalidate(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token == "" || token == a.token {
		a.token = ""
		a.state = AuthExpired
	}
	return nil
}

func (a *ProviderAuth) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *ProviderAuth) setState(state AuthState, token string) {
	a.mu.Lock()
	a.state = state
	a.token = token
	a.mu.Unlock()
}

// MockAuth is the deterministic offline mode: tokens are synthesized
// locally and no call ever leaves the process.
type MockAuth struct {
	mu       sync.Mutex
	acquired int
	invalid  map[string]bool
}

func NewMockAuth() *MockAuth {
	return &MockAuth{invalid: map[string]bool{}}
}

func (a *MockAuth) Acquire(ctx context.Context, interactive bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquired++
	return fmt.Sprintf("mock-token-%d", a.acquired), nil
}

func (a *MockAuth) Validate(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token == "" || a.invalid[token] {
		return pipelineErrorf(KindAuthUnavailable, "mock token invalidated")
	}
	return nil
}

func (a *MockAuth) Invalidate(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token != "" {
		a.invalid[token] = true
	}
	return nil
}

func (a *MockAuth) State() AuthState {
	return AuthMock
}

func (a *MockAuth) AcquireCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired
}
