package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convochat/internal/common"
	"convochat/internal/domain/model"
	"convochat/internal/domain/repository"

	"github.com/google/uuid"
)

// ConversationStore enforces ownership on top of a ConversationRepository.
// Every operation takes the requesting owner id.
type ConversationStore struct {
	repo repository.ConversationRepository
	now  func() time.Time
}

func NewConversationStore(repo repository.ConversationRepository) *ConversationStore {
	return &ConversationStore{repo: repo, now: time.Now}
}

// CanonicalConversationID returns the lowercase hyphenated form of a uuid
// conversation id. Other spellings of the same uuid (uppercase, braces,
// urn:uuid:, bare hex) all resolve to one key.
func CanonicalConversationID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: conversation id must be a uuid", common.ErrBadRequest)
	}
	return parsed.String(), nil
}

// persistenceError keeps domain sentinels intact and tags everything else as
// a persistence failure.
func persistenceError(op string, err error) error {
	for _, sentinel := range []error{common.ErrNotFound, common.ErrForbidden, common.ErrBadRequest, common.ErrConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrPersistence, err)
}

// GetOrCreate returns the conversation, creating an empty one owned by
// ownerID when it does not exist. The bool reports whether it was created.
func (s *ConversationStore) GetOrCreate(ctx context.Context, id, ownerID string) (*model.Conversation, bool, error) {
	id, err := CanonicalConversationID(id)
	if err != nil {
		return nil, false, err
	}

	conv, err := s.repo.FindByID(ctx, id)
	switch {
	case err == nil:
		if !conv.OwnedBy(ownerID) {
			return nil, false, common.ErrForbidden
		}
		return conv, false, nil
	case !errors.Is(err, common.ErrNotFound):
		return nil, false, persistenceError("find conversation", err)
	}

	now := s.now().UTC()
	conv = &model.Conversation{ID: id, OwnerID: ownerID, Messages: []model.Message{}, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.Create(ctx, conv); err != nil {
		if !errors.Is(err, common.ErrConflict) {
			return nil, false, persistenceError("create conversation", err)
		}
		// Lost a create race: whoever won decides the owner.
		existing, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, false, persistenceError("find conversation", err)
		}
		if !existing.OwnedBy(ownerID) {
			return nil, false, common.ErrForbidden
		}
		return existing, false, nil
	}
	return conv, true, nil
}

// Append adds msgs to the end of the log as one unit.
func (s *ConversationStore) Append(ctx context.Context, id, ownerID string, msgs []model.Message) error {
	id, err := CanonicalConversationID(id)
	if err != nil {
		return err
	}
	if err := s.repo.Append(ctx, id, ownerID, msgs); err != nil {
		return persistenceError("append messages", err)
	}
	return nil
}

// New allocates an empty conversation and returns its id.
func (s *ConversationStore) New(ctx context.Context, ownerID string) (string, error) {
	now := s.now().UTC()
	conv := &model.Conversation{ID: uuid.NewString(), OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.Create(ctx, conv); err != nil {
		return "", persistenceError("create conversation", err)
	}
	return conv.ID, nil
}

// CreateWithMessages creates conversation id together with its first
// messages; either both exist afterwards or neither does.
func (s *ConversationStore) CreateWithMessages(ctx context.Context, id, ownerID string, msgs []model.Message) (*model.Conversation, error) {
	id, err := CanonicalConversationID(id)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateMessages(msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}
	now := s.now().UTC()
	conv := &model.Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Title:     model.DeriveTitle(msgs),
		Messages:  msgs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, persistenceError("create conversation", err)
	}
	return conv, nil
}

// Get returns the full log of a conversation the owner can see.
func (s *ConversationStore) Get(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	id, err := CanonicalConversationID(id)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, persistenceError("find conversation", err)
	}
	if !conv.OwnedBy(ownerID) {
		return nil, common.ErrForbidden
	}
	return conv, nil
}

// List returns the owner's conversation summaries, most recently updated first.
func (s *ConversationStore) List(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	convs, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, persistenceError("list conversations", err)
	}
	return convs, nil
}
