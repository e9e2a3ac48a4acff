package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"convochat/internal/common"
	"convochat/internal/domain/model"
	"convochat/internal/domain/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationStore_GetOrCreate(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()
	id := uuid.NewString()

	conv, created, err := store.GetOrCreate(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, conv.Messages)

	conv, created, err = store.GetOrCreate(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, conv.ID)

	_, _, err = store.GetOrCreate(ctx, id, "bob")
	require.ErrorIs(t, err, common.ErrForbidden)

	_, _, err = store.GetOrCreate(ctx, "not-a-uuid", "alice")
	require.ErrorIs(t, err, common.ErrBadRequest)
}

func TestCanonicalConversationID(t *testing.T) {
	id := uuid.NewString()
	for _, in := range []string{id, strings.ToUpper(id), "{" + id + "}", "urn:uuid:" + id, strings.ReplaceAll(id, "-", "")} {
		got, err := CanonicalConversationID(in)
		require.NoError(t, err, in)
		assert.Equal(t, id, got, in)
	}

	for _, in := range []string{"", "not-a-uuid", "../etc/passwd", id + "0"} {
		_, err := CanonicalConversationID(in)
		require.ErrorIs(t, err, common.ErrBadRequest, in)
	}
}

func TestConversationStore_UppercaseIDFindsSameConversation(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()
	id := uuid.NewString()

	_, created, err := store.GetOrCreate(ctx, strings.ToUpper(id), "alice")
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, store.Append(ctx, "{"+id+"}", "alice", model.Turn("t1", "hi", "hello")))

	conv, created, err := store.GetOrCreate(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, conv.ID)
	assert.Len(t, conv.Messages, 2)

	_, _, err = store.GetOrCreate(ctx, strings.ToUpper(id), "bob")
	require.ErrorIs(t, err, common.ErrForbidden)
}

func TestConversationStore_AppendOrder(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()

	id, err := store.New(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, id, "alice", model.Turn("t1", "hi", "hello")))

	conv, err := store.Get(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "hello", conv.Messages[1].Content)
}

func TestConversationStore_ConcurrentAppendsKeepBoth(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()
	id, err := store.New(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, id, "alice",
				model.Turn(fmt.Sprintf("t%d", i), fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))))
		}(i)
	}
	wg.Wait()

	conv, err := store.Get(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, conv.Messages[0].TurnID, conv.Messages[1].TurnID)
	assert.Equal(t, conv.Messages[2].TurnID, conv.Messages[3].TurnID)
	assert.NotEqual(t, conv.Messages[0].TurnID, conv.Messages[2].TurnID)
}

func TestConversationStore_OwnershipOnEveryOperation(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()
	id, err := store.New(ctx, "alice")
	require.NoError(t, err)

	require.ErrorIs(t, store.Append(ctx, id, "bob", model.Turn("t1", "hi", "hello")), common.ErrForbidden)

	_, err = store.Get(ctx, id, "bob")
	require.ErrorIs(t, err, common.ErrForbidden)

	list, err := store.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = store.Get(ctx, uuid.NewString(), "alice")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestConversationStore_CreateWithMessages(t *testing.T) {
	store := NewConversationStore(repository.NewMemoryConversationRepository())
	ctx := context.Background()
	id := uuid.NewString()

	conv, err := store.CreateWithMessages(ctx, id, "alice", model.Turn("t1", "what is go?", "a language"))
	require.NoError(t, err)
	assert.Equal(t, "what is go?", conv.Title)
	assert.Equal(t, 2, conv.MessageCount)

	list, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, 2, list[0].MessageCount)

	_, err = store.CreateWithMessages(ctx, uuid.NewString(), "alice", nil)
	require.ErrorIs(t, err, common.ErrBadRequest)
}

type brokenConversationRepo struct {
	repository.ConversationRepository
}

func (brokenConversationRepo) FindByID(context.Context, string) (*model.Conversation, error) {
	return nil, errors.New("connection refused")
}

func TestConversationStore_WrapsStorageFailures(t *testing.T) {
	store := NewConversationStore(brokenConversationRepo{})

	_, _, err := store.GetOrCreate(context.Background(), uuid.NewString(), "alice")
	require.ErrorIs(t, err, common.ErrPersistence)
	assert.Equal(t, common.KindPersistenceError, common.ErrorKind(err))
	assert.NotContains(t, common.PublicMessage(err), "connection refused")
}
