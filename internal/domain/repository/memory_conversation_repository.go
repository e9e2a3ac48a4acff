package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"convochat/internal/common"
	"convochat/internal/domain/model"
)

type memoryConversation struct {
	mu   sync.Mutex
	conv model.Conversation
}

func (e *memoryConversation) snapshot(withMessages bool) model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conv
	c.Messages = nil
	if withMessages {
		c.Messages = append([]model.Message(nil), e.conv.Messages...)
	}
	return c
}

// memoryConversationRepository holds one mutex per conversation; the map
// lock is only taken to look entries up or insert them.
type memoryConversationRepository struct {
	mu    sync.RWMutex
	convs map[string]*memoryConversation
	now   func() time.Time
}

func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{
		convs: make(map[string]*memoryConversation),
		now:   time.Now,
	}
}

func (r *memoryConversationRepository) Create(_ context.Context, conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.convs[conv.ID]; exists {
		return fmt.Errorf("memoryConversationRepository.Create: %w", common.ErrConflict)
	}
	stored := *conv
	stored.Messages = append([]model.Message(nil), conv.Messages...)
	stored.MessageCount = len(stored.Messages)
	r.convs[conv.ID] = &memoryConversation{conv: stored}
	conv.MessageCount = stored.MessageCount
	return nil
}

func (r *memoryConversationRepository) entry(id string) (*memoryConversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.convs[id]
	return e, ok
}

func (r *memoryConversationRepository) FindByID(_ context.Context, id string) (*model.Conversation, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, common.ErrNotFound
	}
	c := e.snapshot(true)
	return &c, nil
}

func (r *memoryConversationRepository) Append(_ context.Context, id, ownerID string, msgs []model.Message) error {
	if err := model.ValidateMessages(msgs); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}
	e, ok := r.entry(id)
	if !ok {
		return common.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conv.OwnerID != ownerID {
		return common.ErrForbidden
	}
	if turnID := msgs[0].TurnID; turnID != "" {
		for _, m := range e.conv.Messages {
			if m.TurnID == turnID {
				return nil
			}
		}
	}
	e.conv.Messages = append(e.conv.Messages, msgs...)
	e.conv.MessageCount = len(e.conv.Messages)
	if e.conv.Title == "" {
		e.conv.Title = model.DeriveTitle(msgs)
	}
	e.conv.UpdatedAt = r.now()
	return nil
}

func (r *memoryConversationRepository) ListByOwner(_ context.Context, ownerID string) ([]model.Conversation, error) {
	r.mu.RLock()
	entries := make([]*memoryConversation, 0, len(r.convs))
	for _, e := range r.convs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	convs := []model.Conversation{}
	for _, e := range entries {
		c := e.snapshot(false)
		if c.OwnerID == ownerID {
			convs = append(convs, c)
		}
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}
