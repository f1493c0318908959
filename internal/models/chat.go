package models

import "time"

const (
	DefaultMessageType = "text"
	MaxMessageLength   = 1000
)

type Conversation struct {
	ID            int64     `json:"id"`
	PatientID     int64     `json:"patient_id"`
	DoctorID      int64     `json:"doctor_id"`
	Subject       *string   `json:"subject"`
	Status        string    `json:"status"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Content        string         `json:"content"`
	MessageType    string         `json:"message_type"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	ReadAt         *time.Time     `json:"read_at"`
	IsEdited       bool           `json:"is_edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsUnreadFor reports whether the message counts as unread for viewerID.
func (m Message) IsUnreadFor(viewerID int64) bool {
	return m.ReadAt == nil && m.SenderID != viewerID
}

// ConversationWithDoctor is the directory projection; it is recomputed on
// every fetch and never stored.
type ConversationWithDoctor struct {
	Conversation
	Doctor      Doctor   `json:"doctor"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

type MessageSender struct {
	ID         int64   `json:"id"`
	FullName   *string `json:"full_name"`
	AvatarURL  *string `json:"avatar_url"`
	IsDoctor   bool    `json:"is_doctor"`
	Specialty  *string `json:"specialty,omitempty"`
	ThemeColor *string `json:"theme_color,omitempty"`
}

type MessageWithSender struct {
	Message
	Sender MessageSender `json:"sender"`
}

type SendMessageInput struct {
	ConversationID int64          `json:"conversation_id"`
	Content        string         `json:"content"`
	MessageType    string         `json:"message_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type CreateConversationInput struct {
	PatientID int64   `json:"patient_id"`
	DoctorID  int64   `json:"doctor_id"`
	Subject   *string `json:"subject,omitempty"`
}

type SendResult struct {
	Message   *Message `json:"message"`
	Duplicate bool     `json:"duplicate"`
}

type ReadResult struct {
	ConversationID int64     `json:"conversation_id"`
	MessageIDs     []int64   `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}
