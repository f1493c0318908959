package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
)

const conversationColumns = `
	c.id, c.patient_id, c.doctor_id, c.subject, c.status,
	c.last_message_at, c.created_at, c.updated_at
`

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create always inserts; several conversations between one patient and one
// doctor may coexist.
func (r *ConversationRepository) Create(
	ctx context.Context,
	patientID int64,
	doctorID int64,
	subject *string,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations AS c (patient_id, doctor_id, subject)
		VALUES ($1, $2, $3)
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, patientID, doctorID, subject))
}

// GetByIDForParticipant matches the patient or the doctor's linked user.
func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN doctors d ON d.id = c.doctor_id
		WHERE c.id = $1 AND (c.patient_id = $2 OR d.user_id = $2)
	`

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, participantID))
}

func (r *ConversationRepository) ListForPatient(
	ctx context.Context,
	patientID int64,
) ([]models.ConversationWithDoctor, error) {
	query := `
		SELECT
			` + conversationColumns + `,
			d.id,
			d.user_id,
			d.name,
			d.specialty,
			d.license_number,
			d.avatar_url,
			d.bio,
			d.is_active,
			d.theme_color,
			d.created_at,
			d.updated_at,
			lm.id,
			lm.sender_id,
			lm.content,
			lm.message_type,
			COALESCE(lm.metadata, '{}'::jsonb),
			lm.read_at,
			lm.created_at,
			lm.updated_at,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		JOIN doctors d ON d.id = c.doctor_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, message_type, metadata, read_at, created_at, updated_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_id <> $1
			  AND read_at IS NULL
		) uc ON TRUE
		WHERE c.patient_id = $1
		ORDER BY c.last_message_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.ConversationWithDoctor, 0)
	for rows.Next() {
		var entry models.ConversationWithDoctor
		var messageID sql.NullInt64
		var messageSenderID sql.NullInt64
		var messageContent sql.NullString
		var messageType sql.NullString
		var messageMetadata map[string]any
		var messageReadAt *time.Time
		var messageCreatedAt sql.NullTime
		var messageUpdatedAt sql.NullTime

		if err := rows.Scan(
			&entry.ID,
			&entry.PatientID,
			&entry.DoctorID,
			&entry.Subject,
			&entry.Status,
			&entry.LastMessageAt,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&entry.Doctor.ID,
			&entry.Doctor.UserID,
			&entry.Doctor.Name,
			&entry.Doctor.Specialty,
			&entry.Doctor.LicenseNumber,
			&entry.Doctor.AvatarURL,
			&entry.Doctor.Bio,
			&entry.Doctor.IsActive,
			&entry.Doctor.ThemeColor,
			&entry.Doctor.CreatedAt,
			&entry.Doctor.UpdatedAt,
			&messageID,
			&messageSenderID,
			&messageContent,
			&messageType,
			&messageMetadata,
			&messageReadAt,
			&messageCreatedAt,
			&messageUpdatedAt,
			&entry.UnreadCount,
		); err != nil {
			return nil, err
		}

		if messageID.Valid {
			entry.LastMessage = &models.Message{
				ID:             messageID.Int64,
				ConversationID: entry.ID,
				SenderID:       messageSenderID.Int64,
				Content:        messageContent.String,
				MessageType:    messageType.String,
				Metadata:       messageMetadata,
				ReadAt:         messageReadAt,
				CreatedAt:      messageCreatedAt.Time,
				UpdatedAt:      messageUpdatedAt.Time,
			}
		}

		conversations = append(conversations, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return conversations, nil
}

// TouchLastMessage moves last_message_at forward to at; it never moves it
// backwards.
func (r *ConversationRepository) TouchLastMessage(ctx context.Context, conversationID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(last_message_at, $2),
		    updated_at = NOW()
		WHERE id = $1
	`, conversationID, at)
	return err
}

func (r *ConversationRepository) Touch(ctx context.Context, conversationID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET updated_at = NOW()
		WHERE id = $1
	`, conversationID)
	return err
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := row.Scan(
		&conversation.ID,
		&conversation.PatientID,
		&conversation.DoctorID,
		&conversation.Subject,
		&conversation.Status,
		&conversation.LastMessageAt,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conversation, nil
}
