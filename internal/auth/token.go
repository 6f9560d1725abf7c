package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// JWTTokenGenerator signs and verifies RS256 access tokens. A generator
// without a private key can only verify.
type JWTTokenGenerator struct {
	privateKey     *rsa.PrivateKey
	publicKey      *rsa.PublicKey
	issuer         string
	AccessTokenTTL time.Duration
}

func NewJWTTokenGenerator(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, issuer string, ttl time.Duration) *JWTTokenGenerator {
	if publicKey == nil && privateKey != nil {
		publicKey = &privateKey.PublicKey
	}
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &JWTTokenGenerator{
		privateKey:     privateKey,
		publicKey:      publicKey,
		issuer:         issuer,
		AccessTokenTTL: ttl,
	}
}

// NewTokenGeneratorFromConfig parses the configured key pair.
func NewTokenGeneratorFromConfig(cfg internal.SecurityConfig) (*JWTTokenGenerator, error) {
	publicKey, err := cfg.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("load jwt public key: %w", err)
	}

	var privateKey *rsa.PrivateKey
	if cfg.JWTPrivateKey != "" {
		privateKey, err = cfg.GetPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("load jwt private key: %w", err)
		}
	}
	return NewJWTTokenGenerator(privateKey, publicKey, cfg.JWTIssuer, cfg.AccessTokenDuration), nil
}

// GenerateAccessToken creates a new access token
func (j *JWTTokenGenerator) GenerateAccessToken(userID string, permissions []string) (string, time.Time, error) {
	if j.privateKey == nil {
		return "", time.Time{}, errors.New("no private key configured for signing")
	}

	now := time.Now()
	expiresAt := now.Add(j.AccessTokenTTL)
	claims := &Claims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    j.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns claims
func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return j.publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.ErrTokenExpired
		}
		return nil, internal.ErrInvalidToken.WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, internal.ErrInvalidToken
	}
	if claims.UserID == "" && claims.Subject == "" {
		return nil, internal.ErrInvalidToken.WithMessage("token has no subject")
	}
	return claims, nil
}
