// Package api exposes the REST and websocket surface of the monitor.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/internal/config"
	"github.com/perpwatch/perpwatch/internal/store"
	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// MonitorControl lets the API start and stop watching subaccounts as they
// are registered and removed.
type MonitorControl interface {
	AddSubaccount(ctx context.Context, sub *models.Subaccount)
	RemoveSubaccount(ctx context.Context, sub *models.Subaccount)
}

// ChannelTester sends a canned notification through a channel's transport.
type ChannelTester interface {
	TestChannel(ctx context.Context, ch *models.NotificationChannel) error
}

// StatusReader loads the latest cached risk snapshot for a subaccount.
type StatusReader interface {
	GetStatus(ctx context.Context, subaccountID uuid.UUID, dest any) (bool, error)
}

// WSHandler upgrades dashboard websocket connections.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// ServerParams wires a Server.
type ServerParams struct {
	Logger      *zap.Logger
	Config      config.ServerConfig
	Subaccounts *store.SubaccountStore
	Rules       *store.RuleStore
	Alerts      *store.AlertStore
	Channels    *store.ChannelStore
	Monitor     MonitorControl
	Tester      ChannelTester
	Status      StatusReader
	Hub         WSHandler
}

// Server is the HTTP API.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	subaccounts *store.SubaccountStore
	rules       *store.RuleStore
	alerts      *store.AlertStore
	channels    *store.ChannelStore
	monitor     MonitorControl
	tester      ChannelTester
	status      StatusReader
	hub         WSHandler
	validate    *validator.Validate
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		logger:      p.Logger,
		subaccounts: p.Subaccounts,
		rules:       p.Rules,
		alerts:      p.Alerts,
		channels:    p.Channels,
		monitor:     p.Monitor,
		tester:      p.Tester,
		status:      p.Status,
		hub:         p.Hub,
		validate:    validator.New(),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(p.Logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(p.Logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     p.Config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine, used by tests and the HTTP server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/health", s.healthCheck)
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.identityMiddleware())
	{
		subs := protected.Group("/subaccounts")
		{
			subs.POST("", s.createSubaccount)
			subs.GET("", s.listSubaccounts)
			subs.GET("/:id", s.getSubaccount)
			subs.PUT("/:id", s.updateSubaccount)
			subs.DELETE("/:id", s.deleteSubaccount)
			subs.GET("/:id/status", s.getSubaccountStatus)
		}

		rules := protected.Group("/alert-rules")
		{
			rules.POST("", s.createRule)
			rules.GET("", s.listRules)
			rules.GET("/available-positions", s.availablePositions)
			rules.GET("/:id", s.getRule)
			rules.PUT("/:id", s.updateRule)
			rules.DELETE("/:id", s.deleteRule)
		}

		channels := protected.Group("/channels")
		{
			channels.POST("", s.createChannel)
			channels.GET("", s.listChannels)
			channels.GET("/:id", s.getChannel)
			channels.PUT("/:id", s.updateChannel)
			channels.DELETE("/:id", s.deleteChannel)
			channels.POST("/:id/test", s.testChannel)
		}

		alerts := protected.Group("/alerts")
		{
			alerts.GET("", s.listAlerts)
			alerts.DELETE("/:id", s.deleteAlert)
			alerts.POST("/bulk-delete", s.bulkDeleteAlerts)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// identityMiddleware resolves the caller from the X-User-ID header. Upstream
// authentication terminates before this service.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID must be a UUID"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func userID(c *gin.Context) uuid.UUID {
	return c.MustGet("userID").(uuid.UUID)
}

// pathID parses the :id path parameter.
func pathID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errors.Validation("id must be a UUID")
	}
	return id, nil
}

// respondError maps error kinds to HTTP statuses and a uniform body.
func (s *Server) respondError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	var e *errors.Error
	if errors.As(err, &e) {
		body["error"] = e.Message
		if len(e.Fields) > 0 {
			body["fields"] = e.Fields
		}
	}
	c.JSON(status, body)
}

func (s *Server) bindJSON(c *gin.Context, dest any) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		return errors.Validation("invalid request body: %v", err)
	}
	if err := s.validate.Struct(dest); err != nil {
		verr := errors.Validation("request validation failed")
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			for _, f := range fields {
				verr = verr.WithField(f.Field(), f.Tag())
			}
		}
		return verr
	}
	return nil
}
