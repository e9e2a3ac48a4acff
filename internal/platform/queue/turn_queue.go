package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convochat/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

var ErrMalformedEntry = errors.New("malformed queue entry")

// TurnQueue is a FIFO Redis list of pending turns: LPUSH to enqueue, BRPOP to
// dequeue. Entries that exhaust their attempts go to "<name>:dead".
type TurnQueue struct {
	rdb  *redis.Client
	name string
}

func NewTurnQueue(rdb *redis.Client, name string) *TurnQueue {
	return &TurnQueue{rdb: rdb, name: name}
}

func (q *TurnQueue) Name() string     { return q.name }
func (q *TurnQueue) DeadName() string { return q.name + ":dead" }

// Push enqueues a turn at the back of the queue.
func (q *TurnQueue) Push(ctx context.Context, turn model.PendingTurn) error {
	return q.push(ctx, q.name, turn)
}

// DeadLetter parks a turn that will not be retried automatically.
func (q *TurnQueue) DeadLetter(ctx context.Context, turn model.PendingTurn) error {
	return q.push(ctx, q.DeadName(), turn)
}

func (q *TurnQueue) push(ctx context.Context, list string, turn model.PendingTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode pending turn %s: %w", turn.TurnID, err)
	}
	if err := q.rdb.LPush(ctx, list, payload).Err(); err != nil {
		return fmt.Errorf("push pending turn %s to %s: %w", turn.TurnID, list, err)
	}
	return nil
}

// Pop blocks for up to timeout. It returns (nil, nil) when nothing arrived.
// Undecodable entries are moved to the dead list and reported as
// ErrMalformedEntry.
func (q *TurnQueue) Pop(ctx context.Context, timeout time.Duration) (*model.PendingTurn, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// res is [queueName, value]
	if len(res) < 2 || res[1] == "" {
		return nil, nil
	}

	var turn model.PendingTurn
	if err := json.Unmarshal([]byte(res[1]), &turn); err != nil || turn.ConversationID == "" || turn.TurnID == "" {
		if dlErr := q.rdb.LPush(ctx, q.DeadName(), res[1]).Err(); dlErr != nil {
			return nil, fmt.Errorf("%w (dead-lettering failed: %v)", ErrMalformedEntry, dlErr)
		}
		return nil, ErrMalformedEntry
	}
	return &turn, nil
}

func (q *TurnQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
