package routes

import (
	"fmt"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/config"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/handlers"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/middleware"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/repository"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/services"
	chatws "github.com/WimpyvL/zappy-health-app-sub000/internal/websocket"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	// Subscriber feeds websocket subscriptions.
	Subscriber realtime.Subscriber
	// Publisher receives events after each committed write. It is a no-op
	// when database triggers emit them instead.
	Publisher realtime.Publisher
	Logger    zerolog.Logger
}

// RegisterRoutes wires every handler and returns the running websocket hub so
// the caller can shut it down.
func RegisterRoutes(app *fiber.App, deps Dependencies) (*chatws.Hub, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	conversationRepo := repository.NewConversationRepository(deps.DB)
	messageRepo := repository.NewMessageRepository(deps.DB)
	doctorRepo := repository.NewDoctorRepository(deps.DB)
	profileRepo := repository.NewProfileRepository(deps.DB)

	chatService := services.NewChatService(
		deps.DB,
		conversationRepo,
		messageRepo,
		doctorRepo,
		profileRepo,
		deps.Publisher,
		deps.Logger,
		cfg.MessageMaxLength,
	)
	chatHub := chatws.NewHub(chatService, deps.Subscriber, deps.Logger, cfg.RequestTimeout)
	go chatHub.Run()
	chatHandler := handlers.NewChatHandler(chatService, chatHub, cfg.JWTSecret, cfg.RequestTimeout, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.DB)

	app.Get("/health", healthHandler.Health)
	if cfg.EnableMetrics {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}
	if err := registerDocsRoutes(app, cfg); err != nil {
		return nil, err
	}

	api := app.Group("/api")

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/read", chatHandler.MarkRead)

	authProtected.Get("/doctors", chatHandler.ListDoctors)

	return chatHub, nil
}
