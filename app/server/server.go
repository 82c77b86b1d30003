package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"ragchat/app/api"
	"ragchat/app/middleware"
	"ragchat/config"
	"ragchat/logger"
)

// multipart framing on top of the file itself
const uploadOverhead = 1 << 20

type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	app        *fiber.App
	components *Components
}

// New builds every component from cfg and mounts the routes. Nothing
// listens until Run.
func New(ctx context.Context, cfg *config.Config, l *zap.Logger) (*Server, error) {
	log := logger.OrNop(l)
	c, err := Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          api.NewErrorHandler(log),
		BodyLimit:             int(cfg.MaxUploadBytes) + uploadOverhead,
		DisableStartupMessage: true,
		// ids from params and form values become map keys in the stores
		Immutable: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.RequestLogger(log))

	var (
		checkHandler        = api.NewCheckHandler(c.Pingers)
		authHandler         = api.NewAuthHandler(c.Auth)
		chatHandler         = api.NewChatHandler(c.Chat)
		documentHandler     = api.NewDocumentHandler(c.Retriever, c.Manager, cfg.MaxUploadBytes, log)
		conversationHandler = api.NewConversationHandler(c.Manager)
		requireAuth         = middleware.RequireAuth(c.Auth.Tokens())
		check               = app.Group("/check")
		apiv1               = app.Group("/api")
		authGroup           = apiv1.Group("/auth")
		documents           = apiv1.Group("/documents", requireAuth)
		conversations       = apiv1.Group("/conversations", requireAuth)
	)

	check.Get("/healthy", checkHandler.HandleHealthy)
	check.Get("/ready", checkHandler.HandleReady)
	app.Get("/metrics", adaptor.HTTPHandler(c.Metrics.Handler()))

	authGroup.Post("/register", authHandler.HandleRegister)
	authGroup.Post("/login", authHandler.HandleLogin)
	authGroup.Get("/me", requireAuth, authHandler.HandleMe)

	apiv1.Post("/chat", requireAuth, chatHandler.HandleChat)

	documents.Post("/upload", documentHandler.HandleUpload)
	documents.Get("/", documentHandler.HandleList)
	documents.Post("/:id/reindex", documentHandler.HandleReindex)
	documents.Delete("/:id", documentHandler.HandleDelete)

	conversations.Get("/", conversationHandler.HandleList)
	conversations.Get("/:id", conversationHandler.HandleGet)
	conversations.Delete("/:id", conversationHandler.HandleDelete)

	return &Server{cfg: cfg, logger: log, app: app, components: c}, nil
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run blocks serving HTTP until Stop is called.
func (s *Server) Run() error {
	s.logger.Info("starting http server", zap.String("addr", s.cfg.ServerAddr))
	return s.app.Listen(s.cfg.ServerAddr)
}

// Stop drains HTTP connections, waits for in-flight ingests and closes
// storage, all bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := errors.Join(s.app.ShutdownWithContext(ctx), s.components.Close(ctx))
	if err != nil {
		s.logger.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
