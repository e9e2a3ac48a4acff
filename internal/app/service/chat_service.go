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
	"convochat/internal/platform/llm"
	"convochat/internal/platform/logging"
	"convochat/internal/platform/metrics"

	"github.com/google/uuid"
)

// MaxMessageBytes bounds a single user message.
const MaxMessageBytes = 32 << 10

const persistTimeout = 10 * time.Second

// TurnState is a step of a single chat turn.
type TurnState string

const (
	StateIdle               TurnState = "idle"
	StateAuthorizing        TurnState = "authorizing"
	StateLoadingHistory     TurnState = "loading_history"
	StateAwaitingCompletion TurnState = "awaiting_completion"
	StatePersisting         TurnState = "persisting"
	StateDone               TurnState = "done"
	StateFailed             TurnState = "failed"
)

// UnpersistedSink receives turns whose reply was delivered but not stored.
type UnpersistedSink interface {
	Push(ctx context.Context, turn model.PendingTurn) error
}

type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
}

type ChatService struct {
	store     *ConversationStore
	completer llm.Completer
	modelName string
	timeout   time.Duration
	logger    logging.Logger
	metrics   *metrics.Metrics
	sink      UnpersistedSink
	now       func() time.Time
}

type ChatOption func(*ChatService)

func WithMetrics(m *metrics.Metrics) ChatOption {
	return func(s *ChatService) { s.metrics = m }
}

// WithUnpersistedSink hands failed persists to a reconciler.
func WithUnpersistedSink(sink UnpersistedSink) ChatOption {
	return func(s *ChatService) { s.sink = sink }
}

func NewChatService(store *ConversationStore, completer llm.Completer, modelName string, timeout time.Duration, logger logging.Logger, opts ...ChatOption) *ChatService {
	s := &ChatService{
		store:     store,
		completer: completer,
		modelName: modelName,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type turn struct {
	id    string
	state TurnState
	log   logging.Logger
}

func (t *turn) enter(ctx context.Context, next TurnState) {
	t.log.Debug(ctx, "chat turn transition", "from", t.state, "to", next)
	t.state = next
}

// Chat runs one turn: load history, ask the completion service, persist the
// user and assistant messages together. A reply that could not be persisted
// is still returned.
func (s *ChatService) Chat(ctx context.Context, identity *security.Identity, req ChatRequest) (*ChatResponse, error) {
	t := &turn{id: uuid.NewString(), state: StateIdle}
	t.log = s.logger.With("turn_id", t.id)

	fail := func(err error) (*ChatResponse, error) {
		t.enter(ctx, StateFailed)
		s.metrics.ObserveTurn(outcomeFor(err))
		return nil, err
	}

	t.enter(ctx, StateAuthorizing)
	if identity == nil || identity.UserID == "" {
		return fail(common.ErrUnauthorized)
	}
	ownerID := identity.UserID
	if strings.TrimSpace(req.Message) == "" {
		return fail(fmt.Errorf("%w: message must not be empty", common.ErrBadRequest))
	}
	if len(req.Message) > MaxMessageBytes {
		return fail(fmt.Errorf("%w: message longer than %d bytes", common.ErrBadRequest, MaxMessageBytes))
	}
	if err := model.ValidateContent(req.Message); err != nil {
		return fail(fmt.Errorf("%w: message %v", common.ErrBadRequest, err))
	}
	receivedAt := s.now().UTC()

	t.enter(ctx, StateLoadingHistory)
	convID := req.ConversationID
	fresh := convID == ""
	created := fresh
	var history []model.Message
	if fresh {
		convID = uuid.NewString()
	} else {
		conv, wasCreated, err := s.store.GetOrCreate(ctx, convID, ownerID)
		if err != nil {
			if errors.Is(err, common.ErrForbidden) {
				t.log.Warn(ctx, "conversation owned by another user", "conversation_id", convID, "user_id", ownerID)
			}
			return fail(err)
		}
		convID = conv.ID
		history = conv.Messages
		created = wasCreated
	}
	t.log = t.log.With("conversation_id", convID)

	t.enter(ctx, StateAwaitingCompletion)
	userMsg := model.Message{Role: model.RoleUser, Content: req.Message, TurnID: t.id, CreatedAt: receivedAt}
	prompt := make([]model.Message, 0, len(history)+1)
	prompt = append(append(prompt, history...), userMsg)

	reply, err := s.complete(ctx, prompt)
	if err != nil {
		t.log.Error(ctx, "completion failed", "error", err)
		return fail(err)
	}

	t.enter(ctx, StatePersisting)
	msgs := model.Turn(t.id, userMsg.Content, reply.Content)
	msgs[0].CreatedAt = receivedAt
	msgs[1].CreatedAt = s.now().UTC()

	if err := s.persist(ctx, fresh, convID, ownerID, msgs); err != nil {
		t.log.Error(ctx, "chat turn not persisted; reply returned anyway", "user_id", ownerID, "error", err)
		s.metrics.UnpersistedReply()
		s.handOff(ctx, t, model.PendingTurn{
			TurnID:         t.id,
			ConversationID: convID,
			OwnerID:        ownerID,
			Messages:       msgs,
			FailedAt:       s.now().UTC(),
		})
	}

	t.enter(ctx, StateDone)
	s.metrics.ObserveTurn(metrics.OutcomeOK)
	return &ChatResponse{Response: reply.Content, ConversationID: convID, Created: created}, nil
}

// complete calls the collaborator on a context detached from the client but
// bounded by the configured timeout.
func (s *ChatService) complete(ctx context.Context, prompt []model.Message) (model.Message, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(callCtx, s.modelName, prompt)
	s.metrics.ObserveCompletion(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return model.Message{}, fmt.Errorf("%w: %w", common.ErrUpstreamTimeout, err)
		}
		return model.Message{}, fmt.Errorf("%w: %w", common.ErrUpstream, err)
	}
	reply.Content = model.SanitizeContent(reply.Content)
	if strings.TrimSpace(reply.Content) == "" {
		return model.Message{}, fmt.Errorf("%w: %w", common.ErrUpstream, llm.ErrEmptyCompletion)
	}
	return reply, nil
}

func (s *ChatService) persist(ctx context.Context, fresh bool, convID, ownerID string, msgs []model.Message) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if fresh {
		_, err := s.store.CreateWithMessages(pctx, convID, ownerID, msgs)
		return err
	}
	return s.store.Append(pctx, convID, ownerID, msgs)
}

func (s *ChatService) handOff(ctx context.Context, t *turn, pending model.PendingTurn) {
	if s.sink == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.sink.Push(pctx, pending); err != nil {
		t.log.Error(ctx, "failed to queue unpersisted turn", "error", err)
		return
	}
	t.log.Info(ctx, "unpersisted turn queued for reconciliation")
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return metrics.OutcomeForbidden
	case errors.Is(err, common.ErrBadRequest):
		return metrics.OutcomeBadRequest
	case errors.Is(err, common.ErrUpstreamTimeout):
		return metrics.OutcomeUpstreamTimeout
	case errors.Is(err, common.ErrUpstream):
		return metrics.OutcomeUpstreamError
	default:
		return metrics.OutcomeInternal
	}
}
