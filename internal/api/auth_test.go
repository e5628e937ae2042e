package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gatecount/gatecount/internal/auth"
)

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(auth.Config{
		Username: "admin",
		Password: "hunter2",
		Secret:   "test-secret",
		TokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}
	return a
}

func TestLogin(t *testing.T) {
	a := newTestAuthenticator(t)
	handler := NewAuthHandler(a)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username": "admin", "password": "hunter2"}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	var token struct {
		AccessToken string    `json:"access_token"`
		TokenType   string    `json:"token_type"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	decodeData(t, env, &token)

	if token.TokenType != "bearer" {
		t.Errorf("Expected token_type bearer, got %s", token.TokenType)
	}
	if token.AccessToken == "" {
		t.Fatal("Expected a token")
	}
	if !token.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected future expiry, got %v", token.ExpiresAt)
	}

	// The issued token round-trips through validation
	claims, err := a.ValidateToken(token.AccessToken)
	if err != nil {
		t.Fatalf("Issued token failed validation: %v", err)
	}
	if claims.Subject != "admin" {
		t.Errorf("Expected subject admin, got %s", claims.Subject)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	handler := NewAuthHandler(newTestAuthenticator(t))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username": "admin", "password": "wrong"}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("Expected WWW-Authenticate Bearer, got %q", got)
	}

	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("Expected UNAUTHORIZED error, got %+v", env.Error)
	}
	if env.Error.Message != "Incorrect username or password" {
		t.Errorf("Unexpected message: %s", env.Error.Message)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	handler := NewAuthHandler(newTestAuthenticator(t))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username": "root", "password": "hunter2"}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestLoginMalformedBody(t *testing.T) {
	handler := NewAuthHandler(newTestAuthenticator(t))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	a := newTestAuthenticator(t)
	handler := NewAuthHandler(a)

	token, _, err := a.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Through the middleware, as wired in the router
	protected := auth.Middleware(a)(http.HandlerFunc(handler.Me))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	var me map[string]string
	decodeData(t, env, &me)
	if me["username"] != "admin" {
		t.Errorf("Expected username admin, got %v", me)
	}
}

func TestMeWithoutToken(t *testing.T) {
	a := newTestAuthenticator(t)
	protected := auth.Middleware(a)(http.HandlerFunc(NewAuthHandler(a).Me))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}
