package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/replaysMike/binner-auth/internal/domain"
)

var (
	ErrTokenInvalid          = errors.New("invalid token")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenMalformed        = errors.New("malformed token")
	ErrTokenSignatureInvalid = errors.New("token signature mismatch")
)

const accessTokenType = "access"

// Claims is the signed payload of an access token. Identity fields are listed
// explicitly; nothing else is ever encoded.
type Claims struct {
	TokenType      string `json:"token_type"`
	OrganizationID uint   `json:"org_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	IsAdmin        bool   `json:"admin"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	issuer    string
	audience  string
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewJWTManager(issuer, audience, secret string, accessTTL time.Duration) *JWTManager {
	return &JWTManager{
		issuer:    issuer,
		audience:  audience,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

func (m *JWTManager) SignAccessToken(id domain.Identity) (string, time.Time, error) {
	now := m.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(m.accessTTL)
	claims := Claims{
		TokenType:      accessTokenType,
		OrganizationID: id.OrganizationID,
		Name:           id.Name,
		Email:          id.Email,
		IsAdmin:        id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(id.UserID), 10),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *JWTManager) ParseAccessToken(raw string) (domain.Identity, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return domain.Identity{}, classifyParseError(err)
	}
	if !tok.Valid {
		return domain.Identity{}, ErrTokenInvalid
	}
	if claims.TokenType != accessTokenType {
		return domain.Identity{}, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, claims.TokenType)
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return domain.Identity{}, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	return domain.Identity{
		UserID:         uint(userID),
		OrganizationID: claims.OrganizationID,
		Name:           claims.Name,
		Email:          claims.Email,
		IsAdmin:        claims.IsAdmin,
	}, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
