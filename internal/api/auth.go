package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatecount/gatecount/internal/auth"
)

// AuthHandler serves login and principal lookup
type AuthHandler struct {
	auth   *auth.Authenticator
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{
		auth:   a,
		logger: slog.Default().With("component", "api.auth"),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login exchanges credentials for a bearer token. Failures answer 401
// without saying which of the two fields was wrong.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("Login rejected", "username", req.Username)
			w.Header().Set("WWW-Authenticate", "Bearer")
			Unauthorized(w, "Incorrect username or password")
			return
		}
		h.logger.Error("Login failed", "error", err)
		InternalError(w, "Login failed")
		return
	}

	h.logger.Info("Login", "username", req.Username)
	OK(w, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
	})
}

// Me returns the principal of the presented token.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Not authenticated")
		return
	}
	OK(w, map[string]interface{}{
		"username": claims.Subject,
	})
}
