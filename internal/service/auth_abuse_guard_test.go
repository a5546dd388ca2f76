package service

import (
	"context"
	"testing"
	"time"
)

func TestAuthAbusePolicyCooldown(t *testing.T) {
	p := AuthAbusePolicy{FreeAttempts: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}.normalized()
	tests := []struct {
		failures int64
		want     time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 5 * time.Second},
		{1000, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.cooldownFor(tt.failures); got != tt.want {
			t.Fatalf("cooldownFor(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}

	zero := AuthAbusePolicy{}.normalized()
	if zero.BaseDelay <= 0 || zero.Multiplier < 1 || zero.MaxDelay < zero.BaseDelay || zero.ResetWindow <= 0 {
		t.Fatalf("zero policy not normalized: %+v", zero)
	}
}

func TestInMemoryAuthAbuseGuard(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	guard := NewInMemoryAuthAbuseGuard(AuthAbusePolicy{
		FreeAttempts: 1,
		BaseDelay:    time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
		ResetWindow:  time.Hour,
	})
	guard.now = clock.Now

	if d, _ := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); d != 0 {
		t.Fatalf("first failure is free, got %v", d)
	}
	if d, _ := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "A@example.com ", "10.0.0.1"); d != time.Second {
		t.Fatalf("second failure should cool down 1s, got %v", d)
	}

	// Same origin, different identity: the ip dimension still applies.
	if d, _ := guard.Check(ctx, AuthAbuseScopeLogin, "b@example.com", "10.0.0.1"); d != time.Second {
		t.Fatalf("expected ip cooldown, got %v", d)
	}
	if d, _ := guard.Check(ctx, AuthAbuseScopeForgot, "a@example.com", "10.0.0.1"); d != 0 {
		t.Fatalf("scopes are independent, got %v", d)
	}

	clock.Advance(2 * time.Second)
	if d, _ := guard.Check(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); d != 0 {
		t.Fatalf("cooldown should have elapsed, got %v", d)
	}

	if err := guard.Reset(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); d != 0 {
		t.Fatalf("reset should restore the free attempt, got %v", d)
	}

	clock.Advance(2 * time.Hour)
	if d, _ := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); d != 0 {
		t.Fatalf("counters should expire after the reset window, got %v", d)
	}
}

func TestRedisAuthAbuseGuardTracksBothDimensions(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClientForTest(t)
	guard := NewRedisAuthAbuseGuard(client, "binner_auth_test", AuthAbusePolicy{
		FreeAttempts: 1,
		BaseDelay:    50 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     500 * time.Millisecond,
		ResetWindow:  time.Second,
	})

	first, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "eve@example.com", "10.1.1.1")
	if err != nil {
		t.Fatalf("register failure: %v", err)
	}
	if first != 0 {
		t.Fatalf("first failure is free, got %v", first)
	}
	second, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "eve@example.com", "10.1.1.1")
	if err != nil {
		t.Fatalf("register failure: %v", err)
	}
	third, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "eve@example.com", "10.1.1.1")
	if err != nil {
		t.Fatalf("register failure: %v", err)
	}
	if second <= 0 || third < second {
		t.Fatalf("cooldown should grow, second=%v third=%v", second, third)
	}

	byIP, err := guard.Check(ctx, AuthAbuseScopeLogin, "someone-else@example.com", "10.1.1.1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if byIP <= 0 {
		t.Fatalf("origin dimension should be throttled, got %v", byIP)
	}
	unrelated, err := guard.Check(ctx, AuthAbuseScopeLogin, "other@example.com", "10.2.2.2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if unrelated != 0 {
		t.Fatalf("unrelated caller throttled: %v", unrelated)
	}

	if err := guard.Reset(ctx, AuthAbuseScopeLogin, "eve@example.com", "10.1.1.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	after, err := guard.Check(ctx, AuthAbuseScopeLogin, "eve@example.com", "10.1.1.1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if after != 0 {
		t.Fatalf("reset should clear cooldown, got %v", after)
	}
}

func TestRedisAuthAbuseGuardRejectsCorruptState(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClientForTest(t)
	guard := NewRedisAuthAbuseGuard(client, "binner_auth_test", AuthAbusePolicy{})

	key := guard.stateKey(AuthAbuseScopeForgot, "id", normalizeAuthIdentity("corrupt@example.com"))
	if err := client.HSet(ctx, key, "last_failure_ms", "x", "cooldown_until_ms", "y").Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := guard.Check(ctx, AuthAbuseScopeForgot, "corrupt@example.com", ""); err == nil {
		t.Fatal("expected an error for corrupt state")
	}
}
