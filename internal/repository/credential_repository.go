package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/replaysMike/binner-auth/internal/domain"
)

var (
	ErrImagesTokenNotFound = errors.New("images token not found")
	ErrResetTokenNotFound  = errors.New("password reset token not found")
)

type ImagesTokenRepository interface {
	Create(ctx context.Context, t *domain.ImagesToken) error
	FindByHash(ctx context.Context, hash string) (*domain.ImagesToken, error)
	DeleteByRefreshHash(ctx context.Context, refreshHash string) (int64, error)
	DeleteByUser(ctx context.Context, userID uint) (int64, error)
	DeleteExpiredByUser(ctx context.Context, userID uint, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormImagesTokenRepository struct{ db *gorm.DB }

func (r *GormImagesTokenRepository) Create(ctx context.Context, t *domain.ImagesToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	recordOp(ctx, "images_token", "create", err)
	return err
}

func (r *GormImagesTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.ImagesToken, error) {
	var t domain.ImagesToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error
	recordOp(ctx, "images_token", "find_by_hash", err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrImagesTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *GormImagesTokenRepository) DeleteByRefreshHash(ctx context.Context, refreshHash string) (int64, error) {
	res := r.db.WithContext(ctx).Where("refresh_token_hash = ?", refreshHash).Delete(&domain.ImagesToken{})
	recordOp(ctx, "images_token", "delete_by_refresh_hash", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormImagesTokenRepository) DeleteByUser(ctx context.Context, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.ImagesToken{})
	recordOp(ctx, "images_token", "delete_by_user", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormImagesTokenRepository) DeleteExpiredByUser(ctx context.Context, userID uint, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ? AND expires_at <= ?", userID, now).Delete(&domain.ImagesToken{})
	recordOp(ctx, "images_token", "delete_expired_by_user", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormImagesTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.ImagesToken{})
	recordOp(ctx, "images_token", "delete_expired", res.Error)
	return res.RowsAffected, res.Error
}

type PasswordResetRepository interface {
	Create(ctx context.Context, t *domain.PasswordResetToken) error
	FindValidByUser(ctx context.Context, userID uint, now time.Time) (*domain.PasswordResetToken, error)
	Delete(ctx context.Context, id uint) error
	DeleteExpiredByUser(ctx context.Context, userID uint, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormPasswordResetRepository struct{ db *gorm.DB }

func (r *GormPasswordResetRepository) Create(ctx context.Context, t *domain.PasswordResetToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	recordOp(ctx, "password_reset_token", "create", err)
	return err
}

// FindValidByUser returns the user's unexpired reset token. There is at most
// one; the newest wins if that invariant was ever broken.
func (r *GormPasswordResetRepository) FindValidByUser(ctx context.Context, userID uint, now time.Time) (*domain.PasswordResetToken, error) {
	var t domain.PasswordResetToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, now).
		Order("created_at DESC").
		First(&t).Error
	recordOp(ctx, "password_reset_token", "find_valid_by_user", err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResetTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *GormPasswordResetRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.PasswordResetToken{}, id)
	recordOp(ctx, "password_reset_token", "delete", res.Error)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrResetTokenNotFound
	}
	return nil
}

func (r *GormPasswordResetRepository) DeleteExpiredByUser(ctx context.Context, userID uint, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ? AND expires_at <= ?", userID, now).Delete(&domain.PasswordResetToken{})
	recordOp(ctx, "password_reset_token", "delete_expired_by_user", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormPasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.PasswordResetToken{})
	recordOp(ctx, "password_reset_token", "delete_expired", res.Error)
	return res.RowsAffected, res.Error
}

type LoginHistoryQuery struct {
	PageRequest
	UserID  *uint
	Success *bool
}

type LoginHistoryRepository interface {
	Record(ctx context.Context, attempt *domain.LoginAttempt) error
	ListPaged(ctx context.Context, query LoginHistoryQuery) (PageResult[domain.LoginAttempt], error)
}

type GormLoginHistoryRepository struct{ db *gorm.DB }

func NewLoginHistoryRepository(db *gorm.DB) LoginHistoryRepository {
	return &GormLoginHistoryRepository{db: db}
}

func (r *GormLoginHistoryRepository) Record(ctx context.Context, attempt *domain.LoginAttempt) error {
	err := r.db.WithContext(ctx).Create(attempt).Error
	recordOp(ctx, "login_history", "record", err)
	return err
}

func (r *GormLoginHistoryRepository) ListPaged(ctx context.Context, query LoginHistoryQuery) (PageResult[domain.LoginAttempt], error) {
	req := normalizePageRequest(query.PageRequest)
	result := PageResult[domain.LoginAttempt]{Page: req.Page, PageSize: req.PageSize}

	base := r.db.WithContext(ctx).Model(&domain.LoginAttempt{})
	if query.UserID != nil {
		base = base.Where("user_id = ?", *query.UserID)
	}
	if query.Success != nil {
		base = base.Where("success = ?", *query.Success)
	}
	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		recordOp(ctx, "login_history", "list_paged", err)
		return PageResult[domain.LoginAttempt]{}, err
	}
	offset := (req.Page - 1) * req.PageSize
	err := base.Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(req.PageSize).
		Find(&result.Items).Error
	recordOp(ctx, "login_history", "list_paged", err)
	if err != nil {
		return PageResult[domain.LoginAttempt]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	return result, nil
}
