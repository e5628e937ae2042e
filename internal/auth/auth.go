// Package auth implements the single-admin authentication scheme: bcrypt
// password verification and HS256 bearer tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
)

const defaultTokenTTL = 24 * time.Hour

// Claims is the token payload. The admin username travels in the standard
// subject field.
type Claims struct {
	jwt.RegisteredClaims
}

// Config configures the authenticator. Password may be either plaintext or
// an existing bcrypt hash.
type Config struct {
	Username string
	Password string
	Secret   string
	TokenTTL time.Duration
}

// Authenticator verifies admin credentials and issues bearer tokens.
type Authenticator struct {
	username     string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	logger       *slog.Logger

	now func() time.Time
}

// New creates an authenticator for the configured admin principal.
func New(cfg Config) (*Authenticator, error) {
	logger := slog.Default().With("component", "auth")

	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Tokens from previous runs become invalid after a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("No token secret configured, generated an ephemeral one")
	}

	var hash []byte
	switch {
	case cfg.Password == "":
		logger.Warn("No admin password configured, login disabled")
	case isBcryptHash(cfg.Password):
		hash = []byte(cfg.Password)
	default:
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
	}

	return &Authenticator{
		username:     cfg.Username,
		passwordHash: hash,
		secret:       secret,
		ttl:          cfg.TokenTTL,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Login checks the credentials and returns a signed token with its expiry.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if len(a.passwordHash) == 0 || username != a.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "gatecount",
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	a.logger.Info("Admin logged in", "username", username)
	return token, expiresAt, nil
}

// ValidateToken parses and verifies a bearer token.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject != a.username {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenTTL returns the configured token lifetime.
func (a *Authenticator) TokenTTL() time.Duration {
	return a.ttl
}

// isBcryptHash recognizes the $2a$/$2b$/$2y$ modular crypt format.
func isBcryptHash(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}
