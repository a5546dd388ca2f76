package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/replaysMike/binner-auth/internal/domain"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type UserRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
	TouchLogin(ctx context.Context, userID uint, at time.Time) error
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).First(&u, id).Error
	recordOp(ctx, "user", "find_by_id", err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindByEmail matches case-insensitively: both sides are normalized.
func (r *GormUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&u).Error
	recordOp(ctx, "user", "find_by_email", err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	err := r.db.WithContext(ctx).Create(user).Error
	recordOp(ctx, "user", "create", err)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

func (r *GormUserRepository) Update(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	err := r.db.WithContext(ctx).Save(user).Error
	recordOp(ctx, "user", "update", err)
	return err
}

func (r *GormUserRepository) TouchLogin(ctx context.Context, userID uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"last_login_at": at, "last_active_at": at})
	recordOp(ctx, "user", "touch_login", res.Error)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

type OrganizationRepository interface {
	Create(ctx context.Context, org *domain.Organization) error
}

type GormOrganizationRepository struct{ db *gorm.DB }

func (r *GormOrganizationRepository) Create(ctx context.Context, org *domain.Organization) error {
	err := r.db.WithContext(ctx).Create(org).Error
	recordOp(ctx, "organization", "create", err)
	return err
}
