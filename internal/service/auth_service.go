package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/repository"
	"github.com/replaysMike/binner-auth/internal/security"
)

const (
	defaultPasswordMinLength = 8
	defaultMaxChainWalk      = 4096
	dummyPassword            = "binner-auth-timing-equalizer"
	loginSucceededMessage    = "login succeeded"
)

// IssuedTokens is the credential material handed to a client after a login,
// refresh or password reset. Refresh and images tokens share an expiry.
type IssuedTokens struct {
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
	ImagesToken          string
	RefreshExpiresAt     time.Time
}

type AuthResult struct {
	IsAuthenticated bool `json:"is_authenticated"`
	CanLogin        bool `json:"can_login"`
	Outcome
	Identity *domain.Identity `json:"-"`
	Tokens   *IssuedTokens    `json:"-"`
}

type RegisterResult struct {
	IsRegistered bool `json:"is_registered"`
	CanLogin     bool `json:"can_login"`
	Outcome
	UserID uint          `json:"-"`
	Tokens *IssuedTokens `json:"-"`
	// ConfirmationToken is the raw email confirmation value for the mailer.
	// Only its hash is stored.
	ConfirmationToken string `json:"-"`
}

type ConfirmEmailResult struct {
	Confirmed bool `json:"confirmed"`
	CanLogin  bool `json:"can_login"`
	Outcome
}

type RevokeResult struct {
	Revoked bool `json:"revoked"`
	Outcome
}

// ResetRequestResult reports a password reset request. Token is set only
// when a new reset token was created by this call.
type ResetRequestResult struct {
	Accepted bool `json:"accepted"`
	Outcome
	Created   bool      `json:"-"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type PruneStats struct {
	RefreshTokens int64
	ImagesTokens  int64
	ResetTokens   int64
}

type AuthOption func(*AuthService)

func WithAbuseGuard(g AuthAbuseGuard) AuthOption {
	return func(s *AuthService) { s.guard = g }
}

func WithPasswordMinLength(n int) AuthOption {
	return func(s *AuthService) {
		if n > 0 {
			s.passwordMinLength = n
		}
	}
}

func WithMaxChainWalk(n int) AuthOption {
	return func(s *AuthService) {
		if n > 0 {
			s.maxChainWalk = n
		}
	}
}

// AuthService owns the credential lifecycle: login, registration, refresh
// rotation with reuse detection, revocation and password recovery. Every
// public operation runs in a single store transaction.
type AuthService struct {
	store             repository.Store
	codec             *security.TokenCodec
	hasher            security.PasswordHasher
	guard             AuthAbuseGuard
	logger            *slog.Logger
	tracer            trace.Tracer
	passwordMinLength int
	maxChainWalk      int
	dummyHash         string
}

func NewAuthService(store repository.Store, codec *security.TokenCodec, hasher security.PasswordHasher, logger *slog.Logger, opts ...AuthOption) (*AuthService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuthService{
		store:             store,
		codec:             codec,
		hasher:            hasher,
		logger:            logger.With("component", "auth_service"),
		tracer:            observability.Tracer(),
		passwordMinLength: defaultPasswordMinLength,
		maxChainWalk:      defaultMaxChainWalk,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Authenticate verifies email and password and, when the account may log in,
// issues a fresh session. Unknown users and wrong passwords produce the same
// result.
func (s *AuthService) Authenticate(ctx context.Context, email, password, origin string) (*AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.authenticate")
	defer span.End()
	email = domain.NormalizeEmail(email)

	if s.guard != nil {
		cooldown, err := s.guard.Check(ctx, AuthAbuseScopeLogin, email, origin)
		if err != nil {
			s.logger.WarnContext(ctx, "auth abuse guard check failed", "error", err)
		} else if cooldown > 0 {
			result := &AuthResult{Outcome: failed(ErrTooManyAttempts)}
			s.recordAttemptBestEffort(ctx, nil, email, origin, result.Message)
			s.finish(ctx, span, result.Outcome, observability.RecordAuthLogin)
			return result, nil
		}
	}

	var result *AuthResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		user, err := tx.Users().FindByEmail(ctx, email)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
		if user == nil {
			s.hasher.Verify(password, s.dummyHash)
			result = &AuthResult{Outcome: failed(ErrInvalidCredentials)}
			return recordAttempt(ctx, tx, nil, email, origin, false, result.Message, now)
		}
		if !s.passwordMatches(user, password) {
			result = &AuthResult{Outcome: failed(ErrInvalidCredentials)}
			return recordAttempt(ctx, tx, &user.ID, email, origin, false, result.Message, now)
		}
		result, err = s.issueLogin(ctx, tx, user, now)
		if err != nil {
			return err
		}
		return recordAttempt(ctx, tx, &user.ID, email, origin, result.IsAuthenticated, attemptMessage(result.Outcome), now)
	})
	if err != nil {
		s.recordAttemptBestEffort(ctx, nil, email, origin, "internal error")
		s.fail(ctx, span, err, observability.RecordAuthLogin)
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if s.guard != nil {
		switch {
		case result.Is(ErrInvalidCredentials):
			if _, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeLogin, email, origin); err != nil {
				s.logger.WarnContext(ctx, "auth abuse guard register failed", "error", err)
			}
		case result.IsAuthenticated:
			if err := s.guard.Reset(ctx, AuthAbuseScopeLogin, email, origin); err != nil {
				s.logger.WarnContext(ctx, "auth abuse guard reset failed", "error", err)
			}
		}
	}
	s.finish(ctx, span, result.Outcome, observability.RecordAuthLogin)
	return result, nil
}

// passwordMatches also honours the local-install bypass: an account whose
// stored hash is empty accepts only the empty password. No API path can
// clear a stored hash.
func (s *AuthService) passwordMatches(user *domain.User, password string) bool {
	if user.PasswordHash == "" {
		if password == "" {
			return true
		}
		s.hasher.Verify(password, s.dummyHash)
		return false
	}
	return s.hasher.Verify(password, user.PasswordHash)
}

func eligibility(user *domain.User) error {
	switch {
	case user.IsLocked():
		return ErrAccountLocked
	case !user.IsEmailConfirmed:
		return ErrEmailNotConfirmed
	default:
		return nil
	}
}

// issueLogin applies the eligibility gate and issues a full session for user.
func (s *AuthService) issueLogin(ctx context.Context, tx repository.Store, user *domain.User, now time.Time) (*AuthResult, error) {
	if reason := eligibility(user); reason != nil {
		return &AuthResult{Outcome: failed(reason)}, nil
	}
	tokens, err := s.issuePair(ctx, tx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Users().TouchLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	id := user.Identity()
	if err := s.signAccess(tokens, id); err != nil {
		return nil, err
	}
	return &AuthResult{IsAuthenticated: true, CanLogin: true, Identity: &id, Tokens: tokens}, nil
}

// issuePair creates and persists a refresh token with its images token.
func (s *AuthService) issuePair(ctx context.Context, tx repository.Store, userID uint) (*IssuedTokens, error) {
	refresh, err := s.codec.IssueRefreshToken()
	if err != nil {
		return nil, err
	}
	images, err := s.codec.IssueImagesToken(refresh.ExpiresAt)
	if err != nil {
		return nil, err
	}
	refreshHash := s.codec.HashToken(refresh.Value)
	if err := tx.RefreshTokens().Create(ctx, &domain.RefreshToken{
		UserID:    userID,
		TokenHash: refreshHash,
		CreatedAt: refresh.CreatedAt,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.ImagesTokens().Create(ctx, &domain.ImagesToken{
		UserID:           userID,
		TokenHash:        s.codec.HashToken(images.Value),
		RefreshTokenHash: refreshHash,
		CreatedAt:        images.CreatedAt,
		ExpiresAt:        images.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return &IssuedTokens{
		RefreshToken:     refresh.Value,
		ImagesToken:      images.Value,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *AuthService) signAccess(tokens *IssuedTokens, id domain.Identity) error {
	access, exp, err := s.codec.IssueAccessToken(id)
	if err != nil {
		return err
	}
	tokens.AccessToken = access
	tokens.AccessTokenExpiresAt = exp
	return nil
}

// Register creates an unconfirmed account in its own organization. The
// session issued here cannot be refreshed into an access token until the
// email address is confirmed.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*RegisterResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.register")
	defer span.End()
	email = domain.NormalizeEmail(email)
	name = strings.TrimSpace(name)

	if email == "" || !strings.Contains(email, "@") {
		result := &RegisterResult{Outcome: failed(ErrInvalidInput)}
		s.finish(ctx, span, result.Outcome, observability.RecordAuthRegister)
		return result, nil
	}
	if len(password) < s.passwordMinLength {
		result := &RegisterResult{Outcome: failed(ErrInvalidPassword)}
		s.finish(ctx, span, result.Outcome, observability.RecordAuthRegister)
		return result, nil
	}
	if name == "" {
		name = email
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		s.fail(ctx, span, err, observability.RecordAuthRegister)
		return nil, fmt.Errorf("register: %w", err)
	}

	var result *RegisterResult
	err = s.store.Transact(ctx, func(tx repository.Store) error {
		if _, err := tx.Users().FindByEmail(ctx, email); err == nil {
			result = &RegisterResult{Outcome: failed(ErrAlreadyRegistered)}
			return nil
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}

		org := &domain.Organization{Name: name}
		if err := tx.Organizations().Create(ctx, org); err != nil {
			return err
		}
		confirmation, err := s.codec.NewOpaqueValue()
		if err != nil {
			return err
		}
		confirmationHash := s.codec.HashToken(confirmation)
		user := &domain.User{
			OrganizationID:             org.ID,
			Name:                       name,
			Email:                      email,
			PasswordHash:               passwordHash,
			EmailConfirmationTokenHash: &confirmationHash,
		}
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		tokens, err := s.issuePair(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		result = &RegisterResult{
			IsRegistered:      true,
			CanLogin:          true,
			UserID:            user.ID,
			Tokens:            tokens,
			ConfirmationToken: confirmation,
		}
		if reason := eligibility(user); reason != nil {
			// Registered, but the gate still applies: report why without
			// marking the registration failed.
			gate := failed(reason)
			result.CanLogin = false
			result.Code, result.Message = gate.Code, gate.Message
		}
		return nil
	})
	if errors.Is(err, repository.ErrEmailTaken) {
		// Lost a race with a concurrent registration of the same address.
		result, err = &RegisterResult{Outcome: failed(ErrAlreadyRegistered)}, nil
	}
	if err != nil {
		s.fail(ctx, span, err, observability.RecordAuthRegister)
		return nil, fmt.Errorf("register: %w", err)
	}
	if result.IsRegistered {
		s.logger.InfoContext(ctx, "user registered", "user_id", result.UserID)
	}
	s.finish(ctx, span, result.Outcome, observability.RecordAuthRegister)
	return result, nil
}

// ConfirmEmail marks the address confirmed when token matches the stored
// confirmation hash. The confirmation token is single use.
func (s *AuthService) ConfirmEmail(ctx context.Context, email, token string) (*ConfirmEmailResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.confirm_email")
	defer span.End()
	email = domain.NormalizeEmail(email)

	var result *ConfirmEmailResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		user, err := tx.Users().FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrUserNotFound) {
			result = &ConfirmEmailResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		}
		if err != nil {
			return err
		}
		if user.EmailConfirmationTokenHash == nil || token == "" ||
			!hashesEqual(*user.EmailConfirmationTokenHash, s.codec.HashToken(token)) {
			result = &ConfirmEmailResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		}
		user.IsEmailConfirmed = true
		user.EmailConfirmationTokenHash = nil
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		result = &ConfirmEmailResult{Confirmed: true, CanLogin: eligibility(user) == nil}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm email failed")
		return nil, fmt.Errorf("confirm email: %w", err)
	}
	span.SetAttributes(attribute.String("auth.outcome", result.status()))
	return result, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// revoked revokes every still-active descendant in its chain.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.refresh")
	defer span.End()

	if presented == "" {
		result := &AuthResult{Outcome: failed(ErrTokenInvalid)}
		s.finish(ctx, span, result.Outcome, observability.RecordAuthRefresh)
		return result, nil
	}
	hash := s.codec.HashToken(presented)

	var result *AuthResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		tok, err := tx.RefreshTokens().FindByHash(ctx, hash)
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			result = &AuthResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		}
		if err != nil {
			return err
		}

		reused := false
		if tok.IsRevoked() {
			reused, err = s.handleRevokedPresentation(ctx, tx, tok, now)
			if err != nil {
				return err
			}
		}
		// Expiry wins over every revocation state.
		if tok.IsExpired(now) {
			result = &AuthResult{Outcome: failed(ErrTokenExpired)}
			return nil
		}
		if tok.IsRevoked() {
			reason := ErrTokenRevoked
			if reused {
				reason = ErrTokenReuseDetected
			}
			result = &AuthResult{Outcome: failed(reason)}
			return nil
		}

		user := tok.User
		if user == nil {
			if user, err = tx.Users().FindByID(ctx, tok.UserID); err != nil {
				if errors.Is(err, repository.ErrUserNotFound) {
					result = &AuthResult{Outcome: failed(ErrTokenInvalid)}
					return nil
				}
				return err
			}
		}
		if reason := eligibility(user); reason != nil {
			result = &AuthResult{Outcome: failed(reason)}
			return nil
		}

		result, err = s.rotate(ctx, tx, tok, user, now)
		return err
	})
	if err != nil {
		s.fail(ctx, span, err, observability.RecordAuthRefresh)
		return nil, fmt.Errorf("refresh: %w", err)
	}
	s.finish(ctx, span, result.Outcome, observability.RecordAuthRefresh)
	return result, nil
}

func (s *AuthService) rotate(ctx context.Context, tx repository.Store, old *domain.RefreshToken, user *domain.User, now time.Time) (*AuthResult, error) {
	refresh, err := s.codec.IssueRefreshToken()
	if err != nil {
		return nil, err
	}
	newHash := s.codec.HashToken(refresh.Value)
	if err := tx.RefreshTokens().Rotate(ctx, old.TokenHash, newHash, now); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotActive) {
			return &AuthResult{Outcome: failed(ErrTokenRevoked)}, nil
		}
		return nil, err
	}
	if err := tx.RefreshTokens().Create(ctx, &domain.RefreshToken{
		UserID:    user.ID,
		TokenHash: newHash,
		CreatedAt: refresh.CreatedAt,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	images, err := s.codec.IssueImagesToken(refresh.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ImagesTokens().DeleteByRefreshHash(ctx, old.TokenHash); err != nil {
		return nil, err
	}
	if err := tx.ImagesTokens().Create(ctx, &domain.ImagesToken{
		UserID:           user.ID,
		TokenHash:        s.codec.HashToken(images.Value),
		RefreshTokenHash: newHash,
		CreatedAt:        images.CreatedAt,
		ExpiresAt:        images.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	if err := s.pruneUser(ctx, tx, user.ID, now); err != nil {
		return nil, err
	}
	if err := tx.Users().TouchLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}

	tokens := &IssuedTokens{
		RefreshToken:     refresh.Value,
		ImagesToken:      images.Value,
		RefreshExpiresAt: refresh.ExpiresAt,
	}
	id := user.Identity()
	if err := s.signAccess(tokens, id); err != nil {
		return nil, err
	}
	return &AuthResult{IsAuthenticated: true, CanLogin: true, Identity: &id, Tokens: tokens}, nil
}

// pruneUser removes dead chain links. Revoked links that have not expired
// are interior nodes for reuse detection and stay.
func (s *AuthService) pruneUser(ctx context.Context, tx repository.Store, userID uint, now time.Time) error {
	if _, err := tx.RefreshTokens().DeleteDeadByUser(ctx, userID, now); err != nil {
		return err
	}
	if _, err := tx.ImagesTokens().DeleteExpiredByUser(ctx, userID, now); err != nil {
		return err
	}
	return nil
}

// handleRevokedPresentation runs the reuse cascade for a revoked token. It
// reports whether the token had been rotated, which makes this a reuse.
func (s *AuthService) handleRevokedPresentation(ctx context.Context, tx repository.Store, tok *domain.RefreshToken, now time.Time) (bool, error) {
	revoked, walked, err := s.revokeDescendants(ctx, tx, tok, now)
	if err != nil {
		return false, err
	}
	rotated := tok.ReplacedByTokenHash != nil
	attrs := []any{
		"user_id", tok.UserID,
		"token_id", tok.ID,
		"revoked_reason", derefString(tok.RevokedReason),
		"walk_length", walked,
		"revoked_descendant_ids", revoked,
	}
	if rotated {
		s.logger.WarnContext(ctx, "refresh token reuse detected", attrs...)
		observability.RecordReuseDetected(ctx, len(revoked))
		trace.SpanFromContext(ctx).AddEvent("refresh_token_reuse",
			trace.WithAttributes(attribute.Int("revoked_descendants", len(revoked))))
	} else {
		s.logger.WarnContext(ctx, "revoked refresh token presented", attrs...)
	}
	return rotated, nil
}

// revokeDescendants walks replaced-by links forward from start and revokes
// every still-active node. The walk is iterative and bounded; it stops at the
// chain head, at a node already revoked by an earlier cascade, or on a
// repeated node.
func (s *AuthService) revokeDescendants(ctx context.Context, tx repository.Store, start *domain.RefreshToken, now time.Time) ([]uint, int, error) {
	visited := map[string]struct{}{start.TokenHash: {}}
	var revoked []uint
	walked := 0
	next := start.ReplacedByTokenHash
	for next != nil {
		if walked >= s.maxChainWalk {
			s.logger.ErrorContext(ctx, "refresh chain walk bound reached", "user_id", start.UserID, "token_id", start.ID, "bound", s.maxChainWalk)
			break
		}
		if _, seen := visited[*next]; seen {
			s.logger.ErrorContext(ctx, "refresh chain cycle detected", "user_id", start.UserID, "token_id", start.ID)
			break
		}
		visited[*next] = struct{}{}
		walked++

		node, err := tx.RefreshTokens().FindByHash(ctx, *next)
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			break
		}
		if err != nil {
			return nil, walked, err
		}
		if node.IsRevoked() {
			if derefString(node.RevokedReason) == repository.RevokeReasonAncestorReuse {
				break
			}
			next = node.ReplacedByTokenHash
			continue
		}
		if !node.IsExpired(now) {
			changed, err := tx.RefreshTokens().Revoke(ctx, node.TokenHash, now, repository.RevokeReasonAncestorReuse)
			if err != nil {
				return nil, walked, err
			}
			if changed {
				revoked = append(revoked, node.ID)
				if _, err := tx.ImagesTokens().DeleteByRefreshHash(ctx, node.TokenHash); err != nil {
					return nil, walked, err
				}
			}
		}
		next = node.ReplacedByTokenHash
	}
	return revoked, walked, nil
}

// Revoke terminates the session behind a refresh token. It never triggers
// the reuse cascade, and revoking an already revoked token succeeds.
func (s *AuthService) Revoke(ctx context.Context, presented string) (*RevokeResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.revoke")
	defer span.End()

	if presented == "" {
		result := &RevokeResult{Outcome: failed(ErrTokenInvalid)}
		s.finish(ctx, span, result.Outcome, observability.RecordAuthRevoke)
		return result, nil
	}
	hash := s.codec.HashToken(presented)

	var result *RevokeResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		tok, err := tx.RefreshTokens().FindByHash(ctx, hash)
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			result = &RevokeResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		}
		if err != nil {
			return err
		}
		if tok.IsExpired(now) {
			result = &RevokeResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		}
		changed, err := tx.RefreshTokens().Revoke(ctx, hash, now, repository.RevokeReasonRevoked)
		if err != nil {
			return err
		}
		if changed {
			if _, err := tx.ImagesTokens().DeleteByRefreshHash(ctx, hash); err != nil {
				return err
			}
		}
		result = &RevokeResult{Revoked: true}
		return nil
	})
	if err != nil {
		s.fail(ctx, span, err, observability.RecordAuthRevoke)
		return nil, fmt.Errorf("revoke: %w", err)
	}
	s.finish(ctx, span, result.Outcome, observability.RecordAuthRevoke)
	return result, nil
}

// RequestReset creates a password reset token unless a valid one already
// exists for the account.
func (s *AuthService) RequestReset(ctx context.Context, email, origin string) (*ResetRequestResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.request_reset")
	defer span.End()
	email = domain.NormalizeEmail(email)
	record := func(o Outcome) {
		observability.RecordPasswordReset(ctx, "request", o.status())
		span.SetAttributes(attribute.String("auth.outcome", o.status()))
	}

	if s.guard != nil {
		cooldown, err := s.guard.Check(ctx, AuthAbuseScopeForgot, email, origin)
		if err != nil {
			s.logger.WarnContext(ctx, "auth abuse guard check failed", "error", err)
		} else if cooldown > 0 {
			result := &ResetRequestResult{Outcome: failed(ErrTooManyAttempts)}
			record(result.Outcome)
			return result, nil
		}
		if _, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeForgot, email, origin); err != nil {
			s.logger.WarnContext(ctx, "auth abuse guard register failed", "error", err)
		}
	}

	var result *ResetRequestResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		user, err := tx.Users().FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrUserNotFound) {
			result = &ResetRequestResult{Outcome: failed(ErrResetUnavailable)}
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ResetTokens().DeleteExpiredByUser(ctx, user.ID, now); err != nil {
			return err
		}
		existing, err := tx.ResetTokens().FindValidByUser(ctx, user.ID, now)
		if err == nil {
			result = &ResetRequestResult{Accepted: true, ExpiresAt: existing.ExpiresAt}
			return nil
		}
		if !errors.Is(err, repository.ErrResetTokenNotFound) {
			return err
		}
		tok, err := s.codec.IssueResetToken()
		if err != nil {
			return err
		}
		if err := tx.ResetTokens().Create(ctx, &domain.PasswordResetToken{
			UserID:    user.ID,
			TokenHash: s.codec.HashToken(tok.Value),
			CreatedAt: tok.CreatedAt,
			ExpiresAt: tok.ExpiresAt,
		}); err != nil {
			return err
		}
		result = &ResetRequestResult{Accepted: true, Created: true, Token: tok.Value, ExpiresAt: tok.ExpiresAt}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request reset failed")
		observability.RecordPasswordReset(ctx, "request", "error")
		return nil, fmt.Errorf("request reset: %w", err)
	}
	record(result.Outcome)
	return result, nil
}

// ValidateResetToken reports whether token is the current reset token of the
// account behind email. It has no side effects.
func (s *AuthService) ValidateResetToken(ctx context.Context, email, token string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "auth.validate_reset_token")
	defer span.End()

	_, reset, err := s.findResetToken(ctx, s.store, domain.NormalizeEmail(email), token, s.codec.Now())
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("validate reset token: %w", err)
	}
	status := "success"
	if reset == nil {
		status = "token_invalid"
	}
	observability.RecordPasswordReset(ctx, "validate", status)
	return reset != nil, nil
}

// findResetToken returns the user and the reset token matching token, or
// nils when there is no such valid token.
func (s *AuthService) findResetToken(ctx context.Context, st repository.Store, email, token string, now time.Time) (*domain.User, *domain.PasswordResetToken, error) {
	if token == "" {
		return nil, nil, nil
	}
	user, err := st.Users().FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	reset, err := st.ResetTokens().FindValidByUser(ctx, user.ID, now)
	if errors.Is(err, repository.ErrResetTokenNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !hashesEqual(reset.TokenHash, s.codec.HashToken(token)) {
		return nil, nil, nil
	}
	return user, reset, nil
}

// ResetPassword consumes a reset token, stores the new password, revokes the
// account's other sessions and then logs the caller in.
func (s *AuthService) ResetPassword(ctx context.Context, email, token, newPassword, confirmPassword, origin string) (*AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.reset_password")
	defer span.End()
	email = domain.NormalizeEmail(email)

	// Hash up front so the transaction does not hold locks during bcrypt.
	var newHash string
	if newPassword == confirmPassword && len(newPassword) >= s.passwordMinLength {
		h, err := s.hasher.Hash(newPassword)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("reset password: %w", err)
		}
		newHash = h
	}

	var result *AuthResult
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		user, reset, err := s.findResetToken(ctx, tx, email, token, now)
		if err != nil {
			return err
		}
		switch {
		case reset == nil:
			result = &AuthResult{Outcome: failed(ErrTokenInvalid)}
			return nil
		case newPassword != confirmPassword:
			result = &AuthResult{Outcome: failed(ErrPasswordMismatch)}
			return nil
		case newHash == "":
			result = &AuthResult{Outcome: failed(ErrInvalidPassword)}
			return nil
		}

		user.PasswordHash = newHash
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if err := tx.ResetTokens().Delete(ctx, reset.ID); err != nil {
			return err
		}
		if _, err := tx.RefreshTokens().RevokeActiveByUser(ctx, user.ID, now, repository.RevokeReasonPasswordReset); err != nil {
			return err
		}
		if _, err := tx.ImagesTokens().DeleteByUser(ctx, user.ID); err != nil {
			return err
		}
		result, err = s.issueLogin(ctx, tx, user, now)
		if err != nil {
			return err
		}
		return recordAttempt(ctx, tx, &user.ID, email, origin, result.IsAuthenticated, attemptMessage(result.Outcome), now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reset password failed")
		observability.RecordPasswordReset(ctx, "reset", "error")
		return nil, fmt.Errorf("reset password: %w", err)
	}
	if result.Identity != nil {
		s.logger.InfoContext(ctx, "password reset completed", "user_id", result.Identity.UserID)
	}
	observability.RecordPasswordReset(ctx, "reset", result.status())
	span.SetAttributes(attribute.String("auth.outcome", result.status()))
	return result, nil
}

// AuthenticateImagesToken resolves the identity behind an images token. It
// is only for asset retrieval.
func (s *AuthService) AuthenticateImagesToken(ctx context.Context, raw string) (domain.Identity, error) {
	ctx, span := s.tracer.Start(ctx, "auth.images_token")
	defer span.End()

	if raw == "" {
		return domain.Identity{}, ErrTokenInvalid
	}
	now := s.codec.Now()
	tok, err := s.store.ImagesTokens().FindByHash(ctx, s.codec.HashToken(raw))
	if errors.Is(err, repository.ErrImagesTokenNotFound) {
		observability.RecordAccessTokenValidation(ctx, "invalid", "images_token")
		return domain.Identity{}, ErrTokenInvalid
	}
	if err != nil {
		span.RecordError(err)
		return domain.Identity{}, fmt.Errorf("images token: %w", err)
	}
	if tok.IsExpired(now) {
		observability.RecordAccessTokenValidation(ctx, "expired", "images_token")
		return domain.Identity{}, ErrTokenExpired
	}
	user, err := s.store.Users().FindByID(ctx, tok.UserID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return domain.Identity{}, ErrTokenInvalid
	}
	if err != nil {
		span.RecordError(err)
		return domain.Identity{}, fmt.Errorf("images token: %w", err)
	}
	if reason := eligibility(user); reason != nil {
		observability.RecordAccessTokenValidation(ctx, "ineligible", "images_token")
		return domain.Identity{}, reason
	}
	observability.RecordAccessTokenValidation(ctx, "success", "images_token")
	return user.Identity(), nil
}

// PruneExpired garbage-collects dead refresh links, expired images tokens and
// expired reset tokens across all users.
func (s *AuthService) PruneExpired(ctx context.Context) (PruneStats, error) {
	ctx, span := s.tracer.Start(ctx, "auth.prune_expired")
	defer span.End()

	var stats PruneStats
	err := s.store.Transact(ctx, func(tx repository.Store) error {
		now := s.codec.Now()
		var err error
		stats = PruneStats{}
		if stats.RefreshTokens, err = tx.RefreshTokens().DeleteDead(ctx, now); err != nil {
			return err
		}
		if stats.ImagesTokens, err = tx.ImagesTokens().DeleteExpired(ctx, now); err != nil {
			return err
		}
		if stats.ResetTokens, err = tx.ResetTokens().DeleteExpired(ctx, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return PruneStats{}, fmt.Errorf("prune expired: %w", err)
	}
	s.logger.InfoContext(ctx, "pruned expired credentials",
		"refresh_tokens", stats.RefreshTokens,
		"images_tokens", stats.ImagesTokens,
		"reset_tokens", stats.ResetTokens,
	)
	return stats, nil
}

func (s *AuthService) LoginHistory(ctx context.Context, query repository.LoginHistoryQuery) (repository.PageResult[domain.LoginAttempt], error) {
	return s.store.LoginHistory().ListPaged(ctx, query)
}

func recordAttempt(ctx context.Context, st repository.Store, userID *uint, email, origin string, success bool, message string, at time.Time) error {
	return st.LoginHistory().Record(ctx, &domain.LoginAttempt{
		UserID:    userID,
		Email:     email,
		Success:   success,
		Message:   message,
		IPAddress: origin,
		CreatedAt: at,
	})
}

// recordAttemptBestEffort writes a failed attempt outside any transaction,
// for paths where the main transaction did not run or rolled back.
func (s *AuthService) recordAttemptBestEffort(ctx context.Context, userID *uint, email, origin, message string) {
	if err := recordAttempt(ctx, s.store, userID, email, origin, false, message, s.codec.Now()); err != nil {
		s.logger.ErrorContext(ctx, "record login attempt failed", "error", err)
	}
}

func attemptMessage(o Outcome) string {
	if o.Reason == nil {
		return loginSucceededMessage
	}
	return o.Message
}

func (s *AuthService) finish(ctx context.Context, span trace.Span, o Outcome, record func(context.Context, string)) {
	record(ctx, o.status())
	span.SetAttributes(attribute.String("auth.outcome", o.status()))
}

func (s *AuthService) fail(ctx context.Context, span trace.Span, err error, record func(context.Context, string)) {
	record(ctx, "error")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.ErrorContext(ctx, "auth operation failed", "error", err)
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
