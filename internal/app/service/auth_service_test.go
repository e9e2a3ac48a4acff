package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"convochat/internal/common"
	"convochat/internal/common/security"
	"convochat/internal/domain/repository"
	"convochat/internal/platform/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T, opts ...security.TokenOption) (*AuthService, *security.TokenService) {
	t.Helper()
	tokens, err := security.NewTokenService([]byte("test-secret"), time.Hour, opts...)
	require.NoError(t, err)
	return NewAuthService(repository.NewMemoryUserRepository(), tokens, logging.Discard()), tokens
}

func TestRegister_DuplicateUsername(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "pw123"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = svc.Register(ctx, RegisterRequest{Username: "alice", Password: "other"})
	require.ErrorIs(t, err, common.ErrDuplicateUsername)
}

func TestRegister_ConcurrentSameUsernameOnlyOneWins(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Register(ctx, RegisterRequest{Username: "race", Password: "pw"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, common.ErrDuplicateUsername)
	}
	assert.Equal(t, 1, ok)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	tests := []RegisterRequest{
		{Username: "", Password: "pw"},
		{Username: "   ", Password: "pw"},
		{Username: "alice", Password: ""},
		{Username: strings.Repeat("u", 65), Password: "pw"},
		{Username: "alice", Password: strings.Repeat("p", security.MaxPasswordBytes+1)},
	}
	for _, req := range tests {
		_, err := svc.Register(ctx, req)
		assert.ErrorIs(t, err, common.ErrBadRequest, "request %+v", req)
	}
}

func TestVerify(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "pw123"})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, "alice", "wrong")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = svc.Verify(ctx, "nobody", "pw123")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = svc.Verify(ctx, "Alice", "pw123")
	require.ErrorIs(t, err, common.ErrInvalidCredentials, "usernames are case-sensitive")

	user, err := svc.Verify(ctx, "alice", "pw123")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Empty(t, user.HashedPassword)
}

func TestLoginAndLogout(t *testing.T) {
	svc, tokens := newAuthService(t, security.WithRevocationList(security.NewMemoryRevocationList(nil)))
	ctx := context.Background()

	id, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "pw123"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: "nope"})
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	tok, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: "pw123"})
	require.NoError(t, err)

	identity, err := tokens.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, id, identity.UserID)

	revoked, err := svc.Logout(ctx, tok.Value)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = tokens.Validate(ctx, tok.Value)
	require.ErrorIs(t, err, common.ErrInvalidToken)

	// Logging out twice or with garbage is not an error.
	revoked, err = svc.Logout(ctx, tok.Value)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = svc.Logout(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, revoked)
}
