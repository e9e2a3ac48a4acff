package api

import (
	"log"
	"net/http"
	"time"

	"convochat/internal/api/handler"
	"convochat/internal/api/middleware"
	"convochat/internal/app/service"
	"convochat/internal/platform/logging"
	"convochat/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Auth          *service.AuthService
	Chat          *service.ChatService
	Conversations *service.ConversationStore
	Tokens        middleware.TokenValidator
	Metrics       *metrics.Metrics
	Logger        logging.Logger

	// AccessLog receives one line per request; nil uses chi's default logger.
	AccessLog *log.Logger
	// RequestTimeout must exceed the completion timeout.
	RequestTimeout time.Duration
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if deps.AccessLog != nil {
		r.Use(chiMiddleware.RequestLogger(&chiMiddleware.DefaultLogFormatter{Logger: deps.AccessLog, NoColor: true}))
	} else {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	r.Use(chiMiddleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	authHandler := handler.NewAuthHandler(deps.Auth, deps.Logger)
	r.Route("/auth", authHandler.RegisterRoutes)

	chatHandler := handler.NewChatHandler(deps.Chat, deps.Conversations, deps.Logger)
	r.Route("/chat", func(cr chi.Router) {
		cr.Use(middleware.Authenticator(deps.Tokens, deps.Logger))
		chatHandler.RegisterRoutes(cr)
	})

	return r
}
