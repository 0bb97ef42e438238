// Package auth verifies and issues the bearer tokens that identify users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, expired and wrongly signed tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSubject means the token names no user
	ErrMissingSubject = errors.New("token has no subject")
)

// Claims carried by a FlowDash access token; the subject is the user id
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenManager
type TokenConfig struct {
	Secret        string //nolint:gosec // HMAC secret
	Issuer        string
	Expiration    time.Duration
	SigningMethod string
}

// TokenManager signs and verifies HMAC tokens
type TokenManager struct {
	secret        []byte
	issuer        string
	expiration    time.Duration
	signingMethod jwt.SigningMethod
	now           func() time.Time
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	method := cfg.SigningMethod
	if method == "" {
		method = "HS256"
	}
	if method != "HS256" {
		return nil, fmt.Errorf("unsupported signing method: %s", method)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("hmac secret is required for HS256")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Hour
	}
	return &TokenManager{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		expiration:    cfg.Expiration,
		signingMethod: jwt.SigningMethodHS256,
		now:           time.Now,
	}, nil
}

// CreateToken issues a token for userID
func (m *TokenManager) CreateToken(userID, email string) (string, error) {
	if userID == "" {
		return "", ErrMissingSubject
	}
	now := m.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}
	return jwt.NewWithClaims(m.signingMethod, claims).SignedString(m.secret)
}

// VerifyToken checks signature, expiry and issuer and returns the claims
func (m *TokenManager) VerifyToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.signingMethod.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// UserID verifies a raw Authorization header value and returns the subject
func (m *TokenManager) UserID(authorization string) (string, error) {
	token, ok := BearerToken(authorization)
	if !ok {
		return "", ErrInvalidToken
	}
	claims, err := m.VerifyToken(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
