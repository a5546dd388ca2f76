package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/repository"
	"github.com/replaysMike/binner-auth/internal/security"
)

const testPassword = "correct horse battery"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type authHarness struct {
	svc    *AuthService
	store  *repository.GormStore
	db     *gorm.DB
	codec  *security.TokenCodec
	hasher security.PasswordHasher
	clock  *fakeClock
}

func newAuthHarness(t *testing.T, opts ...AuthOption) *authHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(
		&domain.Organization{},
		&domain.User{},
		&domain.RefreshToken{},
		&domain.ImagesToken{},
		&domain.PasswordResetToken{},
		&domain.LoginAttempt{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := newFakeClock()
	codec := security.NewTokenCodec(security.CodecConfig{
		Issuer:     "binner-auth-test",
		Audience:   "binner",
		Secret:     "test-secret-0123456789abcdef0123456789",
		Pepper:     "test-pepper-0123456789abcdef0123456789",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		ResetTTL:   24 * time.Hour,
	}).WithClock(clock.Now)
	hasher := security.NewBcryptHasher(4)
	store := repository.NewGormStore(db, repository.WithInitialBackoff(time.Millisecond))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewAuthService(store, codec, hasher, log, opts...)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return &authHarness{svc: svc, store: store, db: db, codec: codec, hasher: hasher, clock: clock}
}

type seedOptions struct {
	unconfirmed bool
	locked      bool
	noPassword  bool
}

func (h *authHarness) seedUser(t *testing.T, email string, opt seedOptions) *domain.User {
	t.Helper()
	ctx := context.Background()
	org := &domain.Organization{Name: "org " + email}
	if err := h.store.Organizations().Create(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	u := &domain.User{
		OrganizationID:   org.ID,
		Name:             "User " + email,
		Email:            email,
		IsEmailConfirmed: !opt.unconfirmed,
	}
	if !opt.noPassword {
		hash, err := h.hasher.Hash(testPassword)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		u.PasswordHash = hash
	}
	if opt.locked {
		at := h.clock.Now()
		u.LockedAt = &at
	}
	if err := h.store.Users().Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (h *authHarness) login(t *testing.T, email string) *AuthResult {
	t.Helper()
	res, err := h.svc.Authenticate(context.Background(), email, testPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !res.IsAuthenticated {
		t.Fatalf("expected login to succeed, got %+v", res.Outcome)
	}
	return res
}

func (h *authHarness) refresh(t *testing.T, token string) *AuthResult {
	t.Helper()
	res, err := h.svc.Refresh(context.Background(), token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return res
}

func (h *authHarness) refreshRow(t *testing.T, raw string) *domain.RefreshToken {
	t.Helper()
	tok, err := h.store.RefreshTokens().FindByHash(context.Background(), h.codec.HashToken(raw))
	if err != nil {
		t.Fatalf("find refresh token: %v", err)
	}
	return tok
}

func (h *authHarness) countRows(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
