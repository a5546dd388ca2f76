package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/replaysMike/binner-auth/internal/observability"
)

// Store is the credential persistence boundary. Everything done through the
// Store handed to a Transact callback commits or rolls back as one unit.
type Store interface {
	Users() UserRepository
	Organizations() OrganizationRepository
	RefreshTokens() RefreshTokenRepository
	ImagesTokens() ImagesTokenRepository
	ResetTokens() PasswordResetRepository
	LoginHistory() LoginHistoryRepository
	Transact(ctx context.Context, fn func(tx Store) error) error
}

const (
	defaultTxMaxAttempts    = 5
	defaultTxInitialBackoff = 20 * time.Millisecond
)

type storeOptions struct {
	isolation      sql.IsolationLevel
	maxAttempts    uint
	initialBackoff time.Duration
}

type StoreOption func(*storeOptions)

// WithIsolation sets the isolation level for Transact. Postgres deployments
// use sql.LevelSerializable; sqlite is serializable regardless.
func WithIsolation(level sql.IsolationLevel) StoreOption {
	return func(o *storeOptions) { o.isolation = level }
}

// WithMaxAttempts bounds how many times a transaction aborted by a
// serialization failure is replayed.
func WithMaxAttempts(n uint) StoreOption {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithInitialBackoff(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.initialBackoff = d
		}
	}
}

type GormStore struct {
	db   *gorm.DB
	inTx bool
	opts storeOptions
}

func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	o := storeOptions{
		isolation:      sql.LevelDefault,
		maxAttempts:    defaultTxMaxAttempts,
		initialBackoff: defaultTxInitialBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &GormStore{db: db, opts: o}
}

func (s *GormStore) Users() UserRepository { return &GormUserRepository{db: s.db} }

func (s *GormStore) Organizations() OrganizationRepository {
	return &GormOrganizationRepository{db: s.db}
}

func (s *GormStore) RefreshTokens() RefreshTokenRepository {
	return &GormRefreshTokenRepository{db: s.db}
}

func (s *GormStore) ImagesTokens() ImagesTokenRepository {
	return &GormImagesTokenRepository{db: s.db}
}

func (s *GormStore) ResetTokens() PasswordResetRepository {
	return &GormPasswordResetRepository{db: s.db}
}

func (s *GormStore) LoginHistory() LoginHistoryRepository {
	return &GormLoginHistoryRepository{db: s.db}
}

// Transact runs fn inside a single database transaction. Transactions that
// lose a serialization race are retried from the start, so fn must not keep
// state across invocations. Calling Transact on a Store already bound to a
// transaction joins that transaction.
func (s *GormStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	txOpts := &sql.TxOptions{Isolation: s.opts.isolation}
	attempt := func() (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&GormStore{db: tx, inTx: true, opts: s.opts})
		}, txOpts)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsSerializationFailure(err):
			observability.RecordRepositoryOperation(ctx, "store", "transact", "serialization_retry")
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.initialBackoff
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.opts.maxAttempts),
	)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "store", "transact", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "store", "transact", "success")
	return nil
}

// IsSerializationFailure reports whether err is a postgres serialization
// failure or deadlock, both of which are safe to retry.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func recordOp(ctx context.Context, repo, op string, err error) {
	switch {
	case err == nil:
		observability.RecordRepositoryOperation(ctx, repo, op, "success")
	case errors.Is(err, gorm.ErrRecordNotFound):
		observability.RecordRepositoryOperation(ctx, repo, op, "not_found")
	default:
		observability.RecordRepositoryOperation(ctx, repo, op, "error")
	}
}
