package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrWrongTokenUse = errors.New("token used for wrong purpose")
)

// Token types carried in the custom claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the signed payload. SessionID ties refresh tokens to the stored
// active session so rotation can fence out superseded tokens.
type Claims struct {
	UserID          string `json:"uid"`
	SessionID       string `json:"sid"`
	FingerprintHash string `json:"fph"`
	Role            string `json:"role"`
	TokenType       string `json:"typ"`
	jwt.RegisteredClaims
}

// Provider signs and verifies RS256 token pairs.
type Provider struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewProvider loads the RSA key pair from the configured PEM files.
func NewProvider(cfg *config.Config) (*Provider, error) {
	privRaw, err := os.ReadFile(cfg.Token.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pubRaw, err := os.ReadFile(cfg.Token.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return &Provider{
		privateKey: priv,
		publicKey:  pub,
		accessTTL:  cfg.Token.AccessTTL,
		refreshTTL: cfg.Token.RefreshTTL,
	}, nil
}

// NewProviderFromKeys builds a provider around an in-memory key pair.
func NewProviderFromKeys(priv *rsa.PrivateKey, accessTTL, refreshTTL time.Duration) *Provider {
	return &Provider{
		privateKey: priv,
		publicKey:  &priv.PublicKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssuePair signs a fresh access and refresh token bound to the session.
func (p *Provider) IssuePair(user *model.User, sessionID, fingerprintHash string) (*model.TokenPair, error) {
	now := time.Now().UTC()

	access, err := p.sign(user, sessionID, fingerprintHash, TypeAccess, now, p.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := p.sign(user, sessionID, fingerprintHash, TypeRefresh, now, p.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExpiry: now.Add(p.accessTTL),
		SessionID:    sessionID,
	}, nil
}

func (p *Provider) sign(user *model.User, sessionID, fingerprintHash, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:          user.UserID,
		SessionID:       sessionID,
		FingerprintHash: fingerprintHash,
		Role:            user.Role,
		TokenType:       tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Verify parses and validates a token of the expected type.
func (p *Provider) Verify(tokenString, expectedType string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != expectedType {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

func (p *Provider) AccessTTL() time.Duration  { return p.accessTTL }
func (p *Provider) RefreshTTL() time.Duration { return p.refreshTTL }
