package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	maxSubjectLength        = 200
	maxIdempotencyKeyLength = 128
)

type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type conversationStore interface {
	Create(ctx context.Context, patientID int64, doctorID int64, subject *string) (*models.Conversation, error)
	GetByIDForParticipant(ctx context.Context, conversationID int64, participantID int64) (*models.Conversation, error)
	ListForPatient(ctx context.Context, patientID int64) ([]models.ConversationWithDoctor, error)
}

type messageReader interface {
	ListByConversation(ctx context.Context, conversationID int64) ([]models.MessageWithSender, error)
}

type doctorReader interface {
	GetByID(ctx context.Context, id int64) (*models.Doctor, error)
	ListActive(ctx context.Context) ([]models.Doctor, error)
}

type profileReader interface {
	GetByID(ctx context.Context, id int64) (*models.Profile, error)
}

type ChatService struct {
	db               txStarter
	conversationRepo conversationStore
	messageRepo      messageReader
	doctorRepo       doctorReader
	profileRepo      profileReader
	publisher        realtime.Publisher
	logger           zerolog.Logger
	maxLength        int
}

func NewChatService(
	db txStarter,
	conversationRepo conversationStore,
	messageRepo messageReader,
	doctorRepo doctorReader,
	profileRepo profileReader,
	publisher realtime.Publisher,
	logger zerolog.Logger,
	maxLength int,
) *ChatService {
	if publisher == nil {
		publisher = realtime.NopPublisher()
	}
	if maxLength <= 0 {
		maxLength = models.MaxMessageLength
	}
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		doctorRepo:       doctorRepo,
		profileRepo:      profileRepo,
		publisher:        publisher,
		logger:           logger.With().Str("component", "chat").Logger(),
		maxLength:        maxLength,
	}
}

// ListConversations returns the patient's directory, most recently active
// first. Only the patient themself may read it.
func (s *ChatService) ListConversations(
	ctx context.Context,
	actor models.Actor,
	patientID int64,
) ([]models.ConversationWithDoctor, error) {
	if !actor.IsPatient() || patientID <= 0 || actor.UserID != patientID {
		return nil, ErrForbidden
	}
	defer observe("list_conversations", time.Now())

	conversations, err := s.conversationRepo.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

func (s *ChatService) CreateConversation(
	ctx context.Context,
	actor models.Actor,
	input models.CreateConversationInput,
) (*models.Conversation, error) {
	if !actor.IsPatient() {
		return nil, ErrForbidden
	}
	if input.PatientID == 0 {
		input.PatientID = actor.UserID
	}
	if input.PatientID != actor.UserID {
		return nil, ErrForbidden
	}
	if input.DoctorID <= 0 {
		return nil, ErrInvalidInput
	}

	var subject *string
	if input.Subject != nil {
		trimmed := strings.TrimSpace(*input.Subject)
		if len([]rune(trimmed)) > maxSubjectLength {
			return nil, ErrInvalidInput
		}
		if trimmed != "" {
			subject = &trimmed
		}
	}

	profile, err := s.profileRepo.GetByID(ctx, input.PatientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("load patient profile: %w", err)
	}
	if profile.Role != models.RolePatient {
		return nil, ErrForbidden
	}

	doctor, err := s.doctorRepo.GetByID(ctx, input.DoctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.IsActive {
		return nil, ErrDoctorNotFound
	}

	conversation, err := s.conversationRepo.Create(ctx, input.PatientID, input.DoctorID, subject)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	metrics.ConversationsCreated.Inc()

	s.publish(ctx, realtime.Event{
		Table:          realtime.TableConversations,
		Type:           realtime.EventInsert,
		RecordID:       conversation.ID,
		PatientID:      conversation.PatientID,
		ConversationID: conversation.ID,
		At:             conversation.CreatedAt,
	})

	return conversation, nil
}

func (s *ChatService) ListMessages(
	ctx context.Context,
	actor models.Actor,
	conversationID int64,
) ([]models.MessageWithSender, error) {
	if !actor.IsPatient() && !actor.IsDoctor() {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	if _, err := s.participantConversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	defer observe("list_messages", time.Now())

	messages, err := s.messageRepo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// SendMessage validates before touching the database. The insert and the
// conversation's last_message_at bump share one transaction. A repeated
// idempotency key returns the original message without bumping again.
func (s *ChatService) SendMessage(
	ctx context.Context,
	actor models.Actor,
	input models.SendMessageInput,
) (*models.SendResult, error) {
	if !actor.IsPatient() && !actor.IsDoctor() {
		return nil, ErrForbidden
	}
	if input.ConversationID <= 0 {
		return nil, ErrInvalidInput
	}

	content, err := models.NormalizeContent(input.Content, s.maxLength)
	if err != nil {
		return nil, err
	}

	messageType := strings.TrimSpace(input.MessageType)
	if messageType == "" {
		messageType = models.DefaultMessageType
	}

	var idempotencyKey *string
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKeyLength {
			return nil, ErrInvalidInput
		}
		idempotencyKey = &key
	}

	conversation, err := s.participantConversation(ctx, actor, input.ConversationID)
	if err != nil {
		return nil, err
	}
	defer observe("send_message", time.Now())

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin send: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, created, err := txMessageRepo.Create(ctx, repository.CreateMessageInput{
		ConversationID: conversation.ID,
		SenderID:       actor.UserID,
		Content:        content,
		MessageType:    messageType,
		Metadata:       input.Metadata,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if created {
		if err := txConversationRepo.TouchLastMessage(ctx, conversation.ID, message.CreatedAt); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit send: %w", err)
	}

	if !created {
		metrics.DuplicateSends.Inc()
		s.logger.Info().
			Int64("conversation_id", conversation.ID).
			Int64("message_id", message.ID).
			Msg("collapsed duplicate send")
		return &models.SendResult{Message: message, Duplicate: true}, nil
	}

	metrics.MessagesSent.WithLabelValues(messageType).Inc()
	s.publish(ctx,
		realtime.Event{
			Table:          realtime.TableMessages,
			Type:           realtime.EventInsert,
			RecordID:       message.ID,
			PatientID:      conversation.PatientID,
			ConversationID: conversation.ID,
			At:             message.CreatedAt,
		},
		realtime.Event{
			Table:          realtime.TableConversations,
			Type:           realtime.EventUpdate,
			RecordID:       conversation.ID,
			PatientID:      conversation.PatientID,
			ConversationID: conversation.ID,
			At:             message.CreatedAt,
		},
	)

	return &models.SendResult{Message: message}, nil
}

// MarkAsRead records receipts and stamps read_at for the given messages that
// belong to the conversation, are unread and were not sent by the actor.
// Messages that are already read keep their original read_at.
func (s *ChatService) MarkAsRead(
	ctx context.Context,
	actor models.Actor,
	conversationID int64,
	messageIDs []int64,
) (*models.ReadResult, error) {
	if !actor.IsPatient() && !actor.IsDoctor() {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	ids := uniquePositiveIDs(messageIDs)
	result := &models.ReadResult{ConversationID: conversationID, MessageIDs: []int64{}}
	if len(ids) == 0 {
		return result, nil
	}

	conversation, err := s.participantConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	defer observe("mark_read", time.Now())

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	if _, err := txMessageRepo.InsertReadReceipts(ctx, conversationID, ids, actor.UserID); err != nil {
		return nil, fmt.Errorf("insert read receipts: %w", err)
	}

	stamped, readAt, err := txMessageRepo.StampReadAt(ctx, conversationID, ids, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("stamp read_at: %w", err)
	}

	if len(stamped) > 0 {
		if err := txConversationRepo.Touch(ctx, conversationID); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}

	result.MessageIDs = stamped
	result.ReadAt = readAt
	if len(stamped) == 0 {
		return result, nil
	}

	metrics.MessagesMarkedRead.Add(float64(len(stamped)))
	events := make([]realtime.Event, 0, len(stamped)+1)
	for _, id := range stamped {
		events = append(events, realtime.Event{
			Table:          realtime.TableMessages,
			Type:           realtime.EventUpdate,
			RecordID:       id,
			PatientID:      conversation.PatientID,
			ConversationID: conversationID,
			At:             readAt,
		})
	}
	events = append(events, realtime.Event{
		Table:          realtime.TableConversations,
		Type:           realtime.EventUpdate,
		RecordID:       conversationID,
		PatientID:      conversation.PatientID,
		ConversationID: conversationID,
		At:             readAt,
	})
	s.publish(ctx, events...)

	return result, nil
}

func (s *ChatService) ListDoctors(ctx context.Context) ([]models.Doctor, error) {
	doctors, err := s.doctorRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	return doctors, nil
}

// AuthorizeSubscription decides whether actor may receive events for filter.
func (s *ChatService) AuthorizeSubscription(ctx context.Context, actor models.Actor, filter realtime.Filter) error {
	if err := filter.Validate(); err != nil {
		return ErrInvalidInput
	}

	switch filter.Table {
	case realtime.TableConversations:
		if !actor.IsPatient() || actor.UserID != filter.Value {
			return ErrForbidden
		}
		return nil
	case realtime.TableMessages:
		if !actor.IsPatient() && !actor.IsDoctor() {
			return ErrForbidden
		}
		if _, err := s.participantConversation(ctx, actor, filter.Value); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				return ErrForbidden
			}
			return err
		}
		return nil
	default:
		return ErrInvalidInput
	}
}

func (s *ChatService) participantConversation(
	ctx context.Context,
	actor models.Actor,
	conversationID int64,
) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actor.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return conversation, nil
}

func (s *ChatService) publish(ctx context.Context, events ...realtime.Event) {
	for _, event := range events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn().
				Err(err).
				Str("table", event.Table).
				Str("type", string(event.Type)).
				Int64("conversation_id", event.ConversationID).
				Msg("publish change event")
		}
	}
}

func uniquePositiveIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}

func observe(operation string, start time.Time) {
	metrics.PostgresLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
