package ingest

import (
	"context"
	"errors"
	"testing"
)

func TestProviderAuthCachesToken(t *testing.T) {
	calls := 0
	auth, err := NewProviderAuth(ProviderAuthOptions{
		Provider: func(ctx context.Context) (string, error) {
			calls++
			return "token-a", nil
		},
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		token, err := auth.Acquire(ctx, false)
		if err != nil || token != "token-a" {
			t.Fatalf("acquire %d: %q %v", i, token, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one provider call while cached, got %d", calls)
	}
	if auth.State() != AuthAuthenticated {
		t.Fatalf("expected authenticated, got %s", auth.State())
	}
}

func TestProviderAuthInvalidateForcesReacquire(t *testing.T) {
	tokens := []string{"token-a", "token-b"}
	auth, err := NewProviderAuth(ProviderAuthOptions{
		Provider: func(ctx context.Context) (string, error) {
			token := tokens[0]
			tokens = tokens[1:]
			return token, nil
		},
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	ctx := context.Background()
	first, _ := auth.Acquire(ctx, false)
	if err := auth.Invalidate(ctx, first); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if auth.State() != AuthExpired {
		t.Fatalf("expected expired after invalidate, got %s", auth.State())
	}
	second, err := auth.Acquire(ctx, false)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if second == first {
		t.Fatal("expected a fresh token after invalidation")
	}
}

func TestProviderAuthFailureMapsToAuthUnavailable(t *testing.T) {
	auth, err := NewProviderAuth(ProviderAuthOptions{
		Provider: func(ctx context.Context) (string, error) {
			return "", errors.New("keychain locked")
		},
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	_, err = auth.Acquire(context.Background(), false)
	if KindOf(err) != KindAuthUnavailable {
		t.Fatalf("expected auth-unavailable, got %v", err)
	}
	if auth.State() != AuthUninitialized {
		t.Fatalf("expected uninitialized after failure, got %s", auth.State())
	}
}

func TestProviderAuthEmptyTokenRejected(t *testing.T) {
	auth, _ := NewProviderAuth(ProviderAuthOptions{
		Provider: func(ctx context.Context) (string, error) { return "   ", nil },
	})
	_, err := auth.Acquire(context.Background(), false)
	if KindOf(err) != KindAuthUnavailable {
		t.Fatalf("expected auth-unavailable for blank token, got %v", err)
	}
}

func TestMockAuthNeverLeavesProcess(t *testing.T) {
	auth := NewMockAuth()
	ctx := context.Background()

	first, err := auth.Acquire(ctx, false)
	if err != nil || first != "mock-token-1" {
		t.Fatalf("unexpected first token %q %v", first, err)
	}
	second, _ := auth.Acquire(ctx, false)
	if second != "mock-token-2" {
		t.Fatalf("expected counter-based tokens, got %q", second)
	}
	if auth.State() != AuthMock {
		t.Fatalf("expected mock state, got %s", auth.State())
	}

	if err := auth.Validate(ctx, second); err != nil {
		t.Fatalf("fresh token should validate: %v", err)
	}
	_ = auth.Invalidate(ctx, second)
	if err := auth.Validate(ctx, second); err == nil {
		t.Fatal("invalidated token should fail validation")
	}
	if auth.AcquireCount() != 2 {
		t.Fatalf("expected 2 acquires, got %d", auth.AcquireCount())
	}
}
