package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/middleware"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/services"
	chatws "github.com/WimpyvL/zappy-health-app-sub000/internal/websocket"
	"github.com/WimpyvL/zappy-health-app-sub000/pkg/utils"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 10 * time.Second

type chatApplicationService interface {
	ListConversations(ctx context.Context, actor models.Actor, patientID int64) ([]models.ConversationWithDoctor, error)
	CreateConversation(ctx context.Context, actor models.Actor, input models.CreateConversationInput) (*models.Conversation, error)
	ListMessages(ctx context.Context, actor models.Actor, conversationID int64) ([]models.MessageWithSender, error)
	SendMessage(ctx context.Context, actor models.Actor, input models.SendMessageInput) (*models.SendResult, error)
	MarkAsRead(ctx context.Context, actor models.Actor, conversationID int64, messageIDs []int64) (*models.ReadResult, error)
	ListDoctors(ctx context.Context) ([]models.Doctor, error)
}

type ChatHandler struct {
	service        chatApplicationService
	hub            *chatws.Hub
	jwtSecret      string
	requestTimeout time.Duration
	logger         zerolog.Logger
}

type createConversationRequest struct {
	PatientID int64   `json:"patient_id"`
	DoctorID  int64   `json:"doctor_id"`
	Subject   *string `json:"subject"`
}

type sendMessageRequest struct {
	Content        string         `json:"content"`
	MessageType    string         `json:"message_type"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func NewChatHandler(
	service chatApplicationService,
	hub *chatws.Hub,
	jwtSecret string,
	requestTimeout time.Duration,
	logger zerolog.Logger,
) *ChatHandler {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &ChatHandler{
		service:        service,
		hub:            hub,
		jwtSecret:      jwtSecret,
		requestTimeout: requestTimeout,
		logger:         logger.With().Str("component", "chat-http").Logger(),
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actor, err := actorFromLocals(c)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}

	patientID := actor.UserID
	if raw := strings.TrimSpace(c.Query("patient_id")); raw != "" {
		patientID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || patientID <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid patient id"})
		}
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	conversations, err := h.service.ListConversations(ctx, actor, patientID)
	if err != nil {
		return h.mapChatError(c, err, "Failed to load conversations")
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	actor, err := actorFromLocals(c)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	conversation, err := h.service.CreateConversation(ctx, actor, models.CreateConversationInput{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Subject:   req.Subject,
	})
	if err != nil {
		return h.mapChatError(c, err, "Failed to create conversation")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actor, err := actorFromLocals(c)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	messages, err := h.service.ListMessages(ctx, actor, conversationID)
	if err != nil {
		return h.mapChatError(c, err, "Failed to load messages")
	}

	return c.JSON(fiber.Map{"messages": messages})
}

// SendMessage accepts the idempotency key from the Idempotency-Key header or
// the body. A replayed key answers 200 with the original message.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actor, err := actorFromLocals(c)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	key := strings.TrimSpace(c.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.service.SendMessage(ctx, actor, models.SendMessageInput{
		ConversationID: conversationID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		return h.mapChatError(c, err, "Failed to send message")
	}

	status := fiber.StatusCreated
	if result.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{"message": result.Message, "duplicate": result.Duplicate})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	actor, err := actorFromLocals(c)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req markReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.service.MarkAsRead(ctx, actor, conversationID, req.MessageIDs)
	if err != nil {
		return h.mapChatError(c, err, "Failed to mark messages as read")
	}

	return c.JSON(fiber.Map{"read": result})
}

func (h *ChatHandler) ListDoctors(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	doctors, err := h.service.ListDoctors(ctx)
	if err != nil {
		return h.mapChatError(c, err, "Failed to load doctors")
	}

	return c.JSON(fiber.Map{"doctors": doctors})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	actor, err := middleware.ActorFromClaims(claims)
	if err != nil {
		return unauthorizedOrForbidden(c, err)
	}
	c.Locals(middleware.ActorKey, actor)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	actor, ok := conn.Locals(middleware.ActorKey).(models.Actor)
	if !ok {
		_ = conn.Close()
		return
	}

	client := chatws.NewClient(h.hub, conn, actor)
	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		tokenString, _ = middleware.BearerToken(c)
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func (h *ChatHandler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.requestTimeout)
}

func (h *ChatHandler) mapChatError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message cannot be empty"})
	case errors.Is(err, services.ErrMessageTooLong):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message is too long"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrDoctorNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Doctor not found"})
	case errors.Is(err, services.ErrConversationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fallback})
	}
}

func unauthorizedOrForbidden(c *fiber.Ctx, err error) error {
	if errors.Is(err, middleware.ErrUnknownRole) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
}
