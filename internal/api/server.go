// Package api exposes the chat service over HTTP and the live WebSocket.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/hub"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	Env          string
	AllowOrigins []string
	Logger       *zap.Logger
}

// API holds the handlers' dependencies.
type API struct {
	svc    *chat.Service
	hub    *hub.Hub
	logger *zap.Logger
	opts   Options
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(svc *chat.Service, h *hub.Hub, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = []string{"*"}
	}
	a := &API{svc: svc, hub: h, logger: opts.Logger, opts: opts}

	mode := configureGinMode(opts.Env)
	a.logger.Debug("gin initialized", zap.String("mode", mode))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(a.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  opts.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", HeaderParticipantID, HeaderParticipantRole, HeaderRequestID},
		ExposeHeaders: []string{"Content-Length", "Content-Type", HeaderRequestID, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/livez", a.livez)
	router.GET("/readyz", a.readyz)

	authed := router.Group("/", Authenticate())
	authed.GET("/live", a.live)

	conv := authed.Group("/conversations")
	conv.GET("", a.listConversations)
	conv.POST("", a.startConversation)
	conv.GET("/:id", a.getConversation)
	conv.GET("/:id/messages", a.listMessages)
	conv.POST("/:id/messages", a.sendMessage)
	conv.PUT("/:id/read", a.markRead)
	conv.PUT("/:id/flag", a.flag)

	return router
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug", "dev", "development":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}

func (a *API) livez(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (a *API) readyz(c *gin.Context) {
	if err := a.svc.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	st := a.hub.Stats()
	c.JSON(http.StatusOK, gin.H{"status": "ready", "connections": st.Connections, "rooms": st.Rooms})
}
