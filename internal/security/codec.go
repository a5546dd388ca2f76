package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/replaysMike/binner-auth/internal/domain"
)

// opaqueTokenBytes is the entropy of every opaque credential (256 bits).
const opaqueTokenBytes = 32

// OpaqueToken is a random credential value together with its validity window.
type OpaqueToken struct {
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type CodecConfig struct {
	Issuer     string
	Audience   string
	Secret     string
	Pepper     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration
}

// TokenCodec generates and parses every token kind. It holds no mutable state
// and is safe for concurrent use.
type TokenCodec struct {
	jwt        *JWTManager
	pepper     []byte
	refreshTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
	random     io.Reader
}

func NewTokenCodec(cfg CodecConfig) *TokenCodec {
	return &TokenCodec{
		jwt:        NewJWTManager(cfg.Issuer, cfg.Audience, cfg.Secret, cfg.AccessTTL),
		pepper:     []byte(cfg.Pepper),
		refreshTTL: cfg.RefreshTTL,
		resetTTL:   cfg.ResetTTL,
		now:        time.Now,
		random:     rand.Reader,
	}
}

// WithClock returns a copy of c that reads time from now.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	cp := *c
	jm := *c.jwt
	jm.now = now
	cp.jwt = &jm
	cp.now = now
	return &cp
}

func (c *TokenCodec) IssueAccessToken(id domain.Identity) (string, time.Time, error) {
	return c.jwt.SignAccessToken(id)
}

func (c *TokenCodec) ParseAccessToken(raw string) (domain.Identity, error) {
	return c.jwt.ParseAccessToken(raw)
}

func (c *TokenCodec) IssueRefreshToken() (OpaqueToken, error) {
	now := c.now().UTC()
	return c.opaque(now, now.Add(c.refreshTTL))
}

// IssueImagesToken mints the images token paired with a refresh token, so it
// takes the refresh token's expiry.
func (c *TokenCodec) IssueImagesToken(expiresAt time.Time) (OpaqueToken, error) {
	return c.opaque(c.now().UTC(), expiresAt)
}

func (c *TokenCodec) IssueResetToken() (OpaqueToken, error) {
	now := c.now().UTC()
	return c.opaque(now, now.Add(c.resetTTL))
}

func (c *TokenCodec) NewOpaqueValue() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := io.ReadFull(c.random, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the peppered digest under which opaque tokens are stored.
func (c *TokenCodec) HashToken(raw string) string {
	return HashToken(raw, c.pepper)
}

func (c *TokenCodec) opaque(createdAt, expiresAt time.Time) (OpaqueToken, error) {
	v, err := c.NewOpaqueValue()
	if err != nil {
		return OpaqueToken{}, err
	}
	return OpaqueToken{Value: v, CreatedAt: createdAt, ExpiresAt: expiresAt}, nil
}

func HashToken(raw string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Now is the codec clock in UTC. Callers that persist token rows use it so
// stored expiries agree with the issued values.
func (c *TokenCodec) Now() time.Time { return c.now().UTC() }
