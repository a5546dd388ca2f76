package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/replaysMike/binner-auth/internal/domain"
)

func newStoreForTest(t *testing.T) (*GormStore, *gorm.DB) {
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
	return NewGormStore(db, WithInitialBackoff(time.Millisecond)), db
}

func createUserForTest(t *testing.T, s Store, email string) *domain.User {
	t.Helper()
	ctx := context.Background()
	org := &domain.Organization{Name: "org " + email}
	if err := s.Organizations().Create(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	u := &domain.User{OrganizationID: org.ID, Name: "user", Email: email, IsEmailConfirmed: true}
	if err := s.Users().Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func strPtr(v string) *string { return &v }

func TestTransactRollsBackOnError(t *testing.T) {
	store, _ := newStoreForTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transact(ctx, func(tx Store) error {
		org := &domain.Organization{Name: "acme"}
		if err := tx.Organizations().Create(ctx, org); err != nil {
			return err
		}
		if err := tx.Users().Create(ctx, &domain.User{OrganizationID: org.ID, Email: "a@b.c"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := store.Users().FindByEmail(ctx, "a@b.c"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected rollback to discard user, got %v", err)
	}
}

func TestTransactNestedJoinsOuter(t *testing.T) {
	store, _ := newStoreForTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transact(ctx, func(tx Store) error {
		if err := tx.Transact(ctx, func(inner Store) error {
			return inner.Organizations().Create(ctx, &domain.Organization{Name: "inner"})
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	var count int64
	if err := store.db.Model(&domain.Organization{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nested write rolled back, got %d rows", count)
	}
}

func TestTransactRetriesSerializationFailure(t *testing.T) {
	store, _ := newStoreForTest(t)
	ctx := context.Background()

	calls := 0
	err := store.Transact(ctx, func(tx Store) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestTransactGivesUpAfterMaxAttempts(t *testing.T) {
	_, db := newStoreForTest(t)
	store := NewGormStore(db, WithMaxAttempts(2), WithInitialBackoff(time.Millisecond))

	calls := 0
	err := store.Transact(context.Background(), func(tx Store) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !IsSerializationFailure(err) {
		t.Fatalf("expected serialization failure, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestIsSerializationFailure(t *testing.T) {
	if IsSerializationFailure(errors.New("plain")) {
		t.Fatal("plain error should not be retryable")
	}
	if IsSerializationFailure(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique violation should not be retryable")
	}
	if !IsSerializationFailure(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})) {
		t.Fatal("wrapped serialization failure should be retryable")
	}
}

func TestUserRepositoryEmailIsCaseInsensitive(t *testing.T) {
	store, _ := newStoreForTest(t)
	ctx := context.Background()
	u := createUserForTest(t, store, "  Alice@Example.COM ")

	if u.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", u.Email)
	}
	found, err := store.Users().FindByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if found.ID != u.ID {
		t.Fatalf("expected user %d, got %d", u.ID, found.ID)
	}
}

func TestUserRepositoryCreateDuplicateEmail(t *testing.T) {
	store, _ := newStoreForTest(t)
	u := createUserForTest(t, store, "dup@example.com")

	err := store.Users().Create(context.Background(), &domain.User{OrganizationID: u.OrganizationID, Email: "DUP@example.com"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestUserRepositoryTouchLogin(t *testing.T) {
	store, _ := newStoreForTest(t)
	ctx := context.Background()
	u := createUserForTest(t, store, "touch@example.com")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Users().TouchLogin(ctx, u.ID, at); err != nil {
		t.Fatalf("touch login: %v", err)
	}
	got, err := store.Users().FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Fatalf("unexpected last login: %v", got.LastLoginAt)
	}
	if got.LastActiveAt == nil || !got.LastActiveAt.Equal(at) {
		t.Fatalf("unexpected last active: %v", got.LastActiveAt)
	}
	if err := store.Users().TouchLogin(ctx, 9999, at); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
