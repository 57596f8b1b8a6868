// Package operatorauth authenticates console operators. Credentials are a
// single username and bcrypt hash supplied through configuration; successful
// logins are exchanged for a short-lived HS256 token.
package operatorauth

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/verigate/verigate/internal/platform/errors"
)

// TokenTTL bounds how long an issued operator token stays valid.
const TokenTTL = 12 * time.Hour

const issuer = "verigate"

// Authenticator verifies operator credentials and issues session tokens.
type Authenticator struct {
	username     string
	passwordHash []byte
	secret       []byte
	clock        func() time.Time
}

// New creates an authenticator. passwordHash must be a bcrypt hash.
func New(username, passwordHash, secret string) (*Authenticator, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("operator username is required")
	}
	if strings.TrimSpace(passwordHash) == "" {
		return nil, fmt.Errorf("operator password hash is required")
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 bytes")
	}
	return &Authenticator{
		username:     username,
		passwordHash: []byte(passwordHash),
		secret:       []byte(secret),
		clock:        time.Now,
	}, nil
}

// WithClock overrides the time source.
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	if a != nil && clock != nil {
		a.clock = clock
	}
	return a
}

// Login checks the username and password and returns a signed token.
func (a *Authenticator) Login(username, password string) (string, error) {
	if a == nil {
		return "", apperrors.New(apperrors.CodeAuthorization, "operator login is not configured")
	}

	nameOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(a.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !nameOK || passErr != nil {
		return "", apperrors.New(apperrors.CodeAuthorization, "invalid operator credentials")
	}

	now := a.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   a.username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns the operator username it was issued to.
func (a *Authenticator) Verify(token string) (string, error) {
	if a == nil {
		return "", apperrors.New(apperrors.CodeAuthorization, "operator login is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthorization, "operator token is required")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.clock().UTC() }),
	)
	if err != nil || !parsed.Valid {
		return "", apperrors.New(apperrors.CodeAuthorization, "operator token is invalid")
	}
	return claims.Subject, nil
}
