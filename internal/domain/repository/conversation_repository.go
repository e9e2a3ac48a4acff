package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convochat/internal/common"
	"convochat/internal/domain/model"
	"convochat/internal/platform/database"
)

// ConversationRepository persists conversations and their ordered message logs.
//
// Append is serialized per conversation and checks ownership under the same
// lock that guards the write. A batch whose TurnID already landed is a no-op.
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	Append(ctx context.Context, id, ownerID string, msgs []model.Message) error
	ListByOwner(ctx context.Context, ownerID string) ([]model.Conversation, error)
}

type pgConversationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPgConversationRepository(db *sql.DB) ConversationRepository {
	return &pgConversationRepository{db: db, now: time.Now}
}

// Create inserts the conversation row and any messages it already carries
// in a single transaction.
func (r *pgConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	err := database.InTx(ctx, r.db, func(tx database.Querier) error {
		query := `INSERT INTO conversations (id, owner_id, title, message_count, created_at, updated_at)
		          VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.ExecContext(ctx, query,
			conv.ID, conv.OwnerID, conv.Title, len(conv.Messages), conv.CreatedAt, conv.UpdatedAt,
		); err != nil {
			return err
		}
		return insertMessages(ctx, tx, conv.ID, 0, conv.Messages)
	})
	if err != nil {
		if common.IsUniqueViolation(err) {
			return fmt.Errorf("pgConversationRepository.Create: %w", common.ErrConflict)
		}
		return fmt.Errorf("pgConversationRepository.Create: %w", err)
	}
	conv.MessageCount = len(conv.Messages)
	return nil
}

func (r *pgConversationRepository) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	query := `SELECT id, owner_id, title, message_count, created_at, updated_at
	          FROM conversations WHERE id = $1`
	conv := &model.Conversation{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.OwnerID, &conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgConversationRepository.FindByID: %w", err)
	}

	msgQuery := `SELECT role, content, turn_id, created_at
	             FROM messages WHERE conversation_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, msgQuery, id)
	if err != nil {
		return nil, fmt.Errorf("pgConversationRepository.FindByID messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = make([]model.Message, 0, conv.MessageCount)
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.TurnID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgConversationRepository.FindByID scan: %w", err)
		}
		if m.Role, err = model.ParseRole(role); err != nil {
			return nil, fmt.Errorf("pgConversationRepository.FindByID: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgConversationRepository.FindByID rows: %w", err)
	}
	return conv, nil
}

// Append locks the conversation row FOR UPDATE, so concurrent appends to the
// same conversation queue behind each other while other conversations proceed.
func (r *pgConversationRepository) Append(ctx context.Context, id, ownerID string, msgs []model.Message) error {
	if err := model.ValidateMessages(msgs); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	err := database.InTx(ctx, r.db, func(tx database.Querier) error {
		var owner, title string
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT owner_id, title, message_count FROM conversations WHERE id = $1 FOR UPDATE`, id,
		).Scan(&owner, &title, &count)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrNotFound
			}
			return err
		}
		if owner != ownerID {
			return common.ErrForbidden
		}

		if turnID := msgs[0].TurnID; turnID != "" {
			var landed bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM messages WHERE conversation_id = $1 AND turn_id = $2)`, id, turnID,
			).Scan(&landed)
			if err != nil {
				return err
			}
			if landed {
				return nil
			}
		}

		if err := insertMessages(ctx, tx, id, count, msgs); err != nil {
			return err
		}
		if title == "" {
			title = model.DeriveTitle(msgs)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET message_count = $2, title = $3, updated_at = $4 WHERE id = $1`,
			id, count+len(msgs), title, r.now(),
		)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrForbidden) {
			return err
		}
		return fmt.Errorf("pgConversationRepository.Append: %w", err)
	}
	return nil
}

func (r *pgConversationRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	query := `SELECT id, owner_id, title, message_count, created_at, updated_at
	          FROM conversations WHERE owner_id = $1 ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("pgConversationRepository.ListByOwner: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgConversationRepository.ListByOwner scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgConversationRepository.ListByOwner rows: %w", err)
	}
	return convs, nil
}

func insertMessages(ctx context.Context, tx database.Querier, conversationID string, start int, msgs []model.Message) error {
	query := `INSERT INTO messages (conversation_id, seq, turn_id, role, content, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, query,
			conversationID, start+i, m.TurnID, string(m.Role), m.Content, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", start+i, err)
		}
	}
	return nil
}
