package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatrelay/internal/gateway"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// MessageGateway is the send pipeline plus the sidebar notifications
type MessageGateway interface {
	SendUserMessage(ctx context.Context, req gateway.SendRequest) (*gateway.SendResult, error)
	NotifyConversationCreated(userID string, conv *types.Conversation)
	NotifyConversationUpdated(userID string, conv *types.Conversation)
	NotifyConversationDeleted(userID, conversationID string)
}

// UserLookup loads accounts for per-user rate limits
type UserLookup interface {
	EnsureUser(ctx context.Context, userID string) (*types.User, error)
}

// HealthChecker reports storage health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider exposes live connection counters
type StatsProvider interface {
	Stats() map[string]int
}

// Deps collects the server's collaborators
type Deps struct {
	Conversations interfaces.ConversationStore
	Gateway       MessageGateway
	Quota         interfaces.QuotaLedger
	Authenticator interfaces.Authenticator
	Limiter       *ratelimit.Limiter
	Policies      ratelimit.Policies
	Users         UserLookup
	Health        HealthChecker
	Connections   StatsProvider
	WebSocket     http.HandlerFunc
}

// Config tunes the HTTP surface
type Config struct {
	Mode           string   `yaml:"mode" env:"MODE"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Server is the REST and websocket entry point. Handlers hold no business
// logic: they authenticate, bind, call the core and map errors.
type Server struct {
	Deps
	cfg    Config
	engine *gin.Engine
	log    zerolog.Logger
}

// NewServer builds the gin engine and registers every route
func NewServer(deps Deps, cfg Config, log zerolog.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	_ = engine.SetTrustedProxies(nil)

	s := &Server{
		Deps:   deps,
		cfg:    cfg,
		engine: engine,
		log:    log.With().Str("component", "api").Logger(),
	}

	engine.Use(s.requestLogger(), s.metrics(), s.cors())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapF(s.WebSocket))
	}

	api := s.engine.Group("/api", s.rateLimit(func() ratelimit.Policy { return s.Policies.API }), s.requireAuth())
	{
		api.GET("/usage", s.getUsage)

		chat := api.Group("/chat/conversations")
		chat.POST("", s.rateLimit(func() ratelimit.Policy { return s.Policies.ConversationCreate }), s.createConversation)
		chat.GET("", s.listConversations)
		chat.GET("/:id", s.getConversation)
		chat.PATCH("/:id", s.updateConversation)
		chat.DELETE("/:id", s.deleteConversation)
		chat.GET("/:id/messages", s.listMessages)
		chat.POST("/:id/messages", s.sendMessage)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}
