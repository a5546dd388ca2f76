package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/replaysMike/binner-auth/internal/domain"
)

var (
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrRefreshTokenNotActive = errors.New("refresh token is not active")
)

// Revocation reasons recorded on refresh token rows.
const (
	RevokeReasonReplaced      = "replaced"
	RevokeReasonRevoked       = "revoked"
	RevokeReasonAncestorReuse = "reuse_of_ancestor"
	RevokeReasonPasswordReset = "password_reset"
)

type RefreshTokenRepository interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	Rotate(ctx context.Context, oldHash, newHash string, at time.Time) error
	Revoke(ctx context.Context, hash string, at time.Time, reason string) (bool, error)
	RevokeActiveByUser(ctx context.Context, userID uint, at time.Time, reason string) (int64, error)
	ListActiveByUser(ctx context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error)
	DeleteDeadByUser(ctx context.Context, userID uint, now time.Time) (int64, error)
	DeleteDead(ctx context.Context, now time.Time) (int64, error)
}

type GormRefreshTokenRepository struct{ db *gorm.DB }

func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

func (r *GormRefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	err := r.db.WithContext(ctx).Omit("User").Create(t).Error
	recordOp(ctx, "refresh_token", "create", err)
	return err
}

// FindByHash loads the token row joined to its owner.
func (r *GormRefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).Preload("User").Where("token_hash = ?", hash).First(&t).Error
	recordOp(ctx, "refresh_token", "find_by_hash", err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Rotate revokes oldHash and links it to newHash. It only touches a row that
// is still active, so of two racing rotations at most one succeeds.
func (r *GormRefreshTokenRepository) Rotate(ctx context.Context, oldHash, newHash string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, at).
		Updates(map[string]any{
			"revoked_at":             at,
			"revoked_reason":         RevokeReasonReplaced,
			"replaced_by_token_hash": newHash,
		})
	recordOp(ctx, "refresh_token", "rotate", res.Error)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRefreshTokenNotActive
	}
	return nil
}

// Revoke terminally revokes a token that is not yet revoked. It reports
// whether a row changed.
func (r *GormRefreshTokenRepository) Revoke(ctx context.Context, hash string, at time.Time, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hash).
		Updates(map[string]any{"revoked_at": at, "revoked_reason": reason})
	recordOp(ctx, "refresh_token", "revoke", res.Error)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRefreshTokenRepository) RevokeActiveByUser(ctx context.Context, userID uint, at time.Time, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, at).
		Updates(map[string]any{"revoked_at": at, "revoked_reason": reason})
	recordOp(ctx, "refresh_token", "revoke_active_by_user", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormRefreshTokenRepository) ListActiveByUser(ctx context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error) {
	var tokens []domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("created_at DESC").
		Find(&tokens).Error
	recordOp(ctx, "refresh_token", "list_active_by_user", err)
	return tokens, err
}

// DeleteDeadByUser removes links that are both revoked and expired. Revoked
// links that have not expired stay, since reuse detection walks through them.
func (r *GormRefreshTokenRepository) DeleteDeadByUser(ctx context.Context, userID uint, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NOT NULL AND expires_at <= ?", userID, now).
		Delete(&domain.RefreshToken{})
	recordOp(ctx, "refresh_token", "delete_dead_by_user", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormRefreshTokenRepository) DeleteDead(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("revoked_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&domain.RefreshToken{})
	recordOp(ctx, "refresh_token", "delete_dead", res.Error)
	return res.RowsAffected, res.Error
}
