package worker

import (
	"context"
	"errors"
	"time"

	"convochat/internal/common"
	"convochat/internal/domain/model"
	"convochat/internal/platform/logging"
	"convochat/internal/platform/metrics"
	"convochat/internal/platform/queue"
)

// TurnStore is the part of the conversation store the reconciler writes through.
type TurnStore interface {
	GetOrCreate(ctx context.Context, id, ownerID string) (*model.Conversation, bool, error)
	Append(ctx context.Context, id, ownerID string, msgs []model.Message) error
}

type ReconcileConfig struct {
	LockTTL     time.Duration
	MaxAttempts int
	PopTimeout  time.Duration
	ErrorPause  time.Duration

	// RequeuePause is waited before a turn goes back on the queue, so a
	// single locked or failing turn is not popped again immediately.
	RequeuePause time.Duration
}

// ReconcileWorker drains turns whose reply was returned but not persisted and
// writes them into their conversation. It never calls the completion service.
type ReconcileWorker struct {
	queue   *queue.TurnQueue
	locker  *queue.Locker
	store   TurnStore
	cfg     ReconcileConfig
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewReconcileWorker(q *queue.TurnQueue, locker *queue.Locker, store TurnStore, cfg ReconcileConfig, logger logging.Logger, m *metrics.Metrics) *ReconcileWorker {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 5 * time.Second
	}
	if cfg.RequeuePause <= 0 {
		cfg.RequeuePause = time.Second
	}
	return &ReconcileWorker{
		queue:   q,
		locker:  locker,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "reconcile_worker"),
		metrics: m,
	}
}

// Start blocks until ctx is cancelled.
func (w *ReconcileWorker) Start(ctx context.Context) {
	backlog, err := w.queue.Len(ctx)
	if err != nil {
		w.logger.Warn(ctx, "could not read unpersisted queue length", "queue", w.queue.Name(), "error", err)
	}
	w.logger.Info(ctx, "reconcile worker started", "queue", w.queue.Name(), "backlog", backlog)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(context.WithoutCancel(ctx), "reconcile worker stopping")
			return
		default:
		}

		if _, err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error(ctx, "failed to pop from unpersisted queue", "queue", w.queue.Name(), "error", err)
			sleep(ctx, w.cfg.ErrorPause)
		}
	}
}

// ProcessNext handles at most one queued turn. It reports whether an entry
// was taken off the queue; the error is only set for queue failures.
func (w *ReconcileWorker) ProcessNext(ctx context.Context) (bool, error) {
	turn, err := w.queue.Pop(ctx, w.cfg.PopTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrMalformedEntry) {
			w.logger.Error(ctx, "malformed unpersisted turn moved to dead letter queue", "queue", w.queue.DeadName())
			w.metrics.ObserveReconcile(metrics.ReconcileMalformed)
			return true, nil
		}
		return false, err
	}
	if turn == nil {
		return false, nil
	}

	w.processWithLock(ctx, turn)
	return true, nil
}

func (w *ReconcileWorker) processWithLock(ctx context.Context, turn *model.PendingTurn) {
	log := w.logger.With("conversation_id", turn.ConversationID, "turn_id", turn.TurnID)

	lock, err := w.locker.TryLock(ctx, turn.ConversationID, w.cfg.LockTTL)
	if err != nil {
		log.Error(ctx, "failed to attempt reconcile lock", "error", err)
		w.retryLater(ctx, log, turn)
		return
	}
	if lock == nil {
		log.Debug(ctx, "conversation is being reconciled elsewhere, re-queueing")
		w.requeue(ctx, log, *turn)
		return
	}
	defer func() {
		released, err := lock.Release(context.WithoutCancel(ctx))
		if err != nil {
			log.Error(ctx, "failed to release reconcile lock", "error", err)
		} else if !released {
			log.Warn(ctx, "reconcile lock expired before release")
		}
	}()

	if err := w.apply(ctx, turn); err != nil {
		if errors.Is(err, common.ErrForbidden) || errors.Is(err, common.ErrBadRequest) {
			// Retrying cannot fix these.
			log.Error(ctx, "unpersisted turn rejected by store", "error", err)
			w.deadLetter(ctx, log, *turn)
			return
		}
		log.Warn(ctx, "failed to reconcile turn", "attempt", turn.Attempts+1, "error", err)
		w.retryLater(ctx, log, turn)
		return
	}

	w.metrics.ObserveReconcile(metrics.ReconcileApplied)
	log.Info(ctx, "unpersisted turn reconciled")
}

func (w *ReconcileWorker) apply(ctx context.Context, turn *model.PendingTurn) error {
	if _, _, err := w.store.GetOrCreate(ctx, turn.ConversationID, turn.OwnerID); err != nil {
		return err
	}
	return w.store.Append(ctx, turn.ConversationID, turn.OwnerID, turn.TurnMessages())
}

func (w *ReconcileWorker) retryLater(ctx context.Context, log logging.Logger, turn *model.PendingTurn) {
	next := *turn
	next.Attempts++
	if next.Attempts >= w.cfg.MaxAttempts {
		log.Error(ctx, "giving up on unpersisted turn", "attempts", next.Attempts)
		w.deadLetter(ctx, log, next)
		return
	}
	w.requeue(ctx, log, next)
}

// requeue puts turn back after RequeuePause. The turn is already off the
// queue, so it is pushed even when ctx is cancelled during the pause.
func (w *ReconcileWorker) requeue(ctx context.Context, log logging.Logger, turn model.PendingTurn) {
	sleep(ctx, w.cfg.RequeuePause)
	if err := w.queue.Push(context.WithoutCancel(ctx), turn); err != nil {
		log.Error(ctx, "failed to re-queue unpersisted turn", "error", err)
		return
	}
	w.metrics.ObserveReconcile(metrics.ReconcileRequeued)
}

func (w *ReconcileWorker) deadLetter(ctx context.Context, log logging.Logger, turn model.PendingTurn) {
	if err := w.queue.DeadLetter(context.WithoutCancel(ctx), turn); err != nil {
		log.Error(ctx, "failed to dead-letter unpersisted turn", "error", err)
		return
	}
	w.metrics.ObserveReconcile(metrics.ReconcileDeadLetter)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
