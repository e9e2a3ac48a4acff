package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convochat/internal/common"
	"convochat/internal/common/security"
	"convochat/internal/domain/model"
	"convochat/internal/domain/repository"
	"convochat/internal/platform/logging"

	"github.com/google/uuid"
)

const maxUsernameBytes = 64

type AuthService struct {
	userRepo repository.UserRepository
	tokens   *security.TokenService
	logger   logging.Logger
	now      func() time.Time
}

func NewAuthService(userRepo repository.UserRepository, tokens *security.TokenService, logger logging.Logger) *AuthService {
	return &AuthService{userRepo: userRepo, tokens: tokens, logger: logger, now: time.Now}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

func validateCredentials(username, password string) error {
	switch {
	case strings.TrimSpace(username) == "" || password == "":
		return fmt.Errorf("%w: username and password are required", common.ErrBadRequest)
	case len(username) > maxUsernameBytes:
		return fmt.Errorf("%w: username longer than %d bytes", common.ErrBadRequest, maxUsernameBytes)
	case len(password) > security.MaxPasswordBytes:
		return fmt.Errorf("%w: password longer than %d bytes", common.ErrBadRequest, security.MaxPasswordBytes)
	}
	return nil
}

// Register stores a new user and returns its id. Usernames are unique and
// case-sensitive.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if err := validateCredentials(req.Username, req.Password); err != nil {
		return "", err
	}

	if _, err := s.userRepo.FindByUsername(ctx, req.Username); err == nil {
		return "", common.ErrDuplicateUsername
	} else if !errors.Is(err, common.ErrNotFound) {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	hashedPassword, err := security.HashPassword(req.Password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:             uuid.NewString(),
		Username:       req.Username,
		HashedPassword: hashedPassword,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// A concurrent registration can still win between the check and the
	// insert; the repository maps that to ErrDuplicateUsername.
	if err := s.userRepo.Create(ctx, user); err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	return user.ID, nil
}

// Verify checks a username/password pair. Unknown users and wrong passwords
// are indistinguishable to the caller.
func (s *AuthService) Verify(ctx context.Context, username, password string) (*model.User, error) {
	if username == "" || password == "" {
		return nil, common.ErrInvalidCredentials
	}

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			security.BurnPasswordCheck(password)
			return nil, common.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !security.CheckPasswordHash(password, user.HashedPassword) {
		return nil, common.ErrInvalidCredentials
	}
	user.HashedPassword = ""
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*security.Token, error) {
	user, err := s.Verify(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	s.logger.Info(ctx, "user logged in", "user_id", user.ID)
	return token, nil
}

// Logout revokes the token server-side when a revocation list is configured.
// It reports whether the token was revoked; invalid or already expired tokens
// are not an error.
func (s *AuthService) Logout(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	revoked, err := s.tokens.Revoke(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrInvalidToken) || errors.Is(err, common.ErrExpiredToken) {
			return false, nil
		}
		return false, err
	}
	return revoked, nil
}
