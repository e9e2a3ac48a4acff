package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"convochat/internal/app/service"
	"convochat/internal/domain/model"
	"convochat/internal/domain/repository"
	"convochat/internal/platform/logging"
	"convochat/internal/platform/metrics"
	"convochat/internal/platform/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr     *miniredis.Miniredis
	queue  *queue.TurnQueue
	locker *queue.Locker
	store  *service.ConversationStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &fixture{
		mr:     mr,
		queue:  queue.NewTurnQueue(rdb, "turns"),
		locker: queue.NewLocker(rdb, "lock:"),
		store:  service.NewConversationStore(repository.NewMemoryConversationRepository()),
	}
}

func (f *fixture) worker(store TurnStore, maxAttempts int) *ReconcileWorker {
	return f.workerWithPause(store, maxAttempts, 10*time.Millisecond)
}

func (f *fixture) workerWithPause(store TurnStore, maxAttempts int, pause time.Duration) *ReconcileWorker {
	return NewReconcileWorker(f.queue, f.locker, store, ReconcileConfig{
		LockTTL:      time.Minute,
		MaxAttempts:  maxAttempts,
		PopTimeout:   time.Second,
		RequeuePause: pause,
	}, logging.Discard(), metrics.New())
}

func pendingTurn(convID, owner, turnID string) model.PendingTurn {
	return model.PendingTurn{
		TurnID:         turnID,
		ConversationID: convID,
		OwnerID:        owner,
		Messages:       model.Turn(turnID, "hi", "hello"),
		FailedAt:       time.Now().UTC(),
	}
}

func TestProcessNext_AppliesTurnToNewConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := uuid.NewString()
	require.NoError(t, f.queue.Push(ctx, pendingTurn(convID, "alice", "t1")))

	took, err := f.worker(f.store, 3).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, took)

	conv, err := f.store.Get(ctx, convID, "alice")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "t1", conv.Messages[0].TurnID)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.False(t, f.mr.Exists("lock:"+convID), "lock must be released")
}

func TestProcessNext_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := uuid.NewString()
	turn := pendingTurn(convID, "alice", "t1")
	require.NoError(t, f.queue.Push(ctx, turn))
	require.NoError(t, f.queue.Push(ctx, turn))

	w := f.worker(f.store, 3)
	for i := 0; i < 2; i++ {
		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
	}

	conv, err := f.store.Get(ctx, convID, "alice")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	took, err := f.worker(f.store, 3).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, took)
}

func TestProcessNext_LockedConversationIsRequeued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := uuid.NewString()
	require.NoError(t, f.queue.Push(ctx, pendingTurn(convID, "alice", "t1")))

	held, err := f.locker.TryLock(ctx, convID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	_, err = f.worker(f.store, 3).ProcessNext(ctx)
	require.NoError(t, err)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.Get(ctx, convID, "alice")
	assert.Error(t, err, "nothing may be written while another worker holds the lock")
}

func TestProcessNext_LockedConversationWaitsBeforeRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := uuid.NewString()
	require.NoError(t, f.queue.Push(ctx, pendingTurn(convID, "alice", "t1")))

	held, err := f.locker.TryLock(ctx, convID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	pause := 150 * time.Millisecond
	start := time.Now()
	_, err = f.workerWithPause(f.store, 3, pause).ProcessNext(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), pause)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestProcessNext_CancelDuringPauseKeepsTurn(t *testing.T) {
	f := newFixture(t)
	convID := uuid.NewString()
	require.NoError(t, f.queue.Push(context.Background(), pendingTurn(convID, "alice", "t1")))

	held, err := f.locker.TryLock(context.Background(), convID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = f.workerWithPause(f.store, 3, time.Minute).ProcessNext(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a popped turn goes back on the queue even on shutdown")
}

type flakyStore struct {
	TurnStore
	err error
}

func (s flakyStore) Append(context.Context, string, string, []model.Message) error {
	return s.err
}

func TestProcessNext_RetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Push(ctx, pendingTurn(uuid.NewString(), "alice", "t1")))

	w := f.worker(flakyStore{TurnStore: f.store, err: errors.New("db down")}, 2)

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "first failure is re-queued")

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	n, err = f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	dead, err := f.mr.List("turns:dead")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestProcessNext_ForeignConversationIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID, err := f.store.New(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, f.queue.Push(ctx, pendingTurn(convID, "alice", "t1")))

	_, err = f.worker(f.store, 5).ProcessNext(ctx)
	require.NoError(t, err)

	dead, err := f.mr.List("turns:dead")
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	conv, err := f.store.Get(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	convID := uuid.NewString()
	require.NoError(t, f.queue.Push(ctx, pendingTurn(convID, "alice", "t1")))

	done := make(chan struct{})
	go func() {
		f.worker(f.store, 3).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), convID, "alice")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}
