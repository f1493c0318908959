package repository

import (
	"context"
	"errors"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.metadata,
	m.idempotency_key, m.read_at, m.is_edited, m.edited_at, m.created_at, m.updated_at
`

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

type CreateMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	MessageType    string
	Metadata       map[string]any
	IdempotencyKey *string
}

// Create inserts a message. When a message with the same idempotency key
// already exists for the sender in that conversation, the existing row is
// returned and created is false.
func (r *MessageRepository) Create(ctx context.Context, input CreateMessageInput) (*models.Message, bool, error) {
	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	query := `
		INSERT INTO messages AS m (conversation_id, sender_id, content, message_type, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, sender_id, idempotency_key) DO NOTHING
		RETURNING ` + messageColumns

	message, err := scanMessage(r.db.QueryRow(
		ctx,
		query,
		input.ConversationID,
		input.SenderID,
		input.Content,
		input.MessageType,
		metadata,
		input.IdempotencyKey,
	))
	if err == nil {
		return message, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || input.IdempotencyKey == nil {
		return nil, false, err
	}

	existing, err := r.GetByIdempotencyKey(ctx, input.ConversationID, input.SenderID, *input.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *MessageRepository) GetByIdempotencyKey(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	key string,
) (*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id = $2 AND m.idempotency_key = $3
	`
	return scanMessage(r.db.QueryRow(ctx, query, conversationID, senderID, key))
}

// ListByConversation returns the whole thread oldest first, each message
// decorated with its sender.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
) ([]models.MessageWithSender, error) {
	query := `
		SELECT ` + messageColumns + `,
			COALESCE(p.full_name, d.name),
			COALESCE(d.avatar_url, p.avatar_url),
			d.id IS NOT NULL,
			d.specialty,
			d.theme_color
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.sender_id
		LEFT JOIN doctors d ON d.user_id = m.sender_id AND d.is_active = TRUE
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.MessageWithSender, 0)
	for rows.Next() {
		var message models.MessageWithSender
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Content,
			&message.MessageType,
			&message.Metadata,
			&message.IdempotencyKey,
			&message.ReadAt,
			&message.IsEdited,
			&message.EditedAt,
			&message.CreatedAt,
			&message.UpdatedAt,
			&message.Sender.FullName,
			&message.Sender.AvatarURL,
			&message.Sender.IsDoctor,
			&message.Sender.Specialty,
			&message.Sender.ThemeColor,
		); err != nil {
			return nil, err
		}
		message.Sender.ID = message.SenderID

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// InsertReadReceipts records a (message, reader) receipt for every message of
// the conversation in messageIDs not authored by the reader. Existing
// receipts are left untouched.
func (r *MessageRepository) InsertReadReceipts(
	ctx context.Context,
	conversationID int64,
	messageIDs []int64,
	readerID int64,
) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $3
		FROM messages m
		WHERE m.id = ANY($1)
		  AND m.conversation_id = $2
		  AND m.sender_id <> $3
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageIDs, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StampReadAt sets read_at only on messages that are still unread, so a
// repeated call never moves read_at later. It returns the ids it stamped.
func (r *MessageRepository) StampReadAt(
	ctx context.Context,
	conversationID int64,
	messageIDs []int64,
	readerID int64,
) ([]int64, time.Time, error) {
	if len(messageIDs) == 0 {
		return nil, time.Time{}, nil
	}

	rows, err := r.db.Query(ctx, `
		UPDATE messages
		SET read_at = NOW(), updated_at = NOW()
		WHERE id = ANY($1)
		  AND conversation_id = $2
		  AND sender_id <> $3
		  AND read_at IS NULL
		RETURNING id, read_at
	`, messageIDs, conversationID, readerID)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	stamped := make([]int64, 0, len(messageIDs))
	var readAt time.Time
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id, &readAt); err != nil {
			return nil, time.Time{}, err
		}
		stamped = append(stamped, id)
	}

	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	return stamped, readAt, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var message models.Message
	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Content,
		&message.MessageType,
		&message.Metadata,
		&message.IdempotencyKey,
		&message.ReadAt,
		&message.IsEdited,
		&message.EditedAt,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &message, nil
}
