package service

import (
	"context"

	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/repository"
)

// AuthServiceInterface is the surface the HTTP layer and the CLI depend on.
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, email, password, origin string) (*AuthResult, error)
	Register(ctx context.Context, name, email, password string) (*RegisterResult, error)
	ConfirmEmail(ctx context.Context, email, token string) (*ConfirmEmailResult, error)
	Refresh(ctx context.Context, presented string) (*AuthResult, error)
	Revoke(ctx context.Context, presented string) (*RevokeResult, error)
	RequestReset(ctx context.Context, email, origin string) (*ResetRequestResult, error)
	ValidateResetToken(ctx context.Context, email, token string) (bool, error)
	ResetPassword(ctx context.Context, email, token, newPassword, confirmPassword, origin string) (*AuthResult, error)
	AuthenticateImagesToken(ctx context.Context, raw string) (domain.Identity, error)
	PruneExpired(ctx context.Context) (PruneStats, error)
	LoginHistory(ctx context.Context, query repository.LoginHistoryQuery) (repository.PageResult[domain.LoginAttempt], error)
}

var _ AuthServiceInterface = (*AuthService)(nil)
