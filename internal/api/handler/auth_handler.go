package handler

import (
	"encoding/json"
	"net/http"

	"convochat/internal/app/service"
	"convochat/internal/common"
	"convochat/internal/platform/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
)

const maxBodyBytes = 64 << 10

type AuthHandler struct {
	authService *service.AuthService
	logger      logging.Logger
}

func NewAuthHandler(authService *service.AuthService, logger logging.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
}

// decodeJSON reads a bounded JSON body into v and answers 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, common.KindBadRequest, "invalid request payload")
		return false
	}
	return true
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, err := h.authService.Register(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, service.RegisterResponse{
		Message: "user registered successfully",
		UserID:  userID,
	})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.authService.Login(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, token)
}

// logout always succeeds for the client; revocation is best effort.
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.authService.Logout(r.Context(), jwtauth.TokenFromHeader(r))
	if err != nil {
		h.logger.Error(r.Context(), "token revocation failed", "error", err)
	}
	msg := "logged out"
	if revoked {
		msg = "logged out; token revoked"
	}
	common.RespondWithJSON(w, http.StatusOK, common.MessageResponse{Message: msg})
}

func (h *AuthHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if common.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "auth request failed", "path", r.URL.Path, "error", err)
	}
	common.RespondWithDomainError(w, err)
}
