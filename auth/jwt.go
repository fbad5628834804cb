package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/errors"
)

// TokenManager validates bearer credentials and, when a secret is set, issues them
type TokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenManager creates a token manager from the auth config
func NewTokenManager(cfg am.AuthConfig) *TokenManager {
	return &TokenManager{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// Signed reports whether credentials must be signed tokens
func (m *TokenManager) Signed() bool {
	return len(m.secret) > 0
}

// GenerateToken issues a signed token for clientID valid for ttl
func (m *TokenManager) GenerateToken(clientID string, ttl time.Duration) (string, error) {
	if !m.Signed() {
		return "", errors.WithHint(
			errors.New("cannot issue tokens without a JWT secret"),
			"set auth.jwt_secret or BOOKENRICH_AUTH_JWT_SECRET")
	}
	if strings.TrimSpace(clientID) == "" {
		return "", errors.NewInvalidRequestError("client id is required")
	}

	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken returns the client a credential identifies
func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if !m.Signed() {
		return &Claims{ClientID: tokenString}, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.WithSecondaryError(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}

	return &Claims{ClientID: claims.Subject, Issuer: claims.Issuer}, nil
}
