package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/linear"
	"github.com/romancircus/jinyang/internal/provider"
	"github.com/romancircus/jinyang/internal/scheduler"
)

// WebhookHandler consumes one parsed webhook.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, hook *linear.Webhook) (scheduler.Disposition, error)
}

// Server is the HTTP gateway.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	hub        *Hub
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway is deployed behind the operator's network boundary.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer wires the routes: webhook intake, health, metrics, event stream.
func NewServer(cfg config.ServerConfig, handler WebhookHandler, providers *provider.Router, sched *scheduler.Scheduler, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "gateway"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhooks/linear", func(c *gin.Context) {
		var hook linear.Webhook
		if err := c.ShouldBindJSON(&hook); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}

		disposition, err := handler.HandleWebhook(c.Request.Context(), &hook)
		if err != nil {
			log.Warn("webhook processing failed", zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"disposition": string(disposition)})
	})

	router.GET("/healthz", func(c *gin.Context) {
		active, queued := sched.Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"active":    active,
			"queued":    queued,
			"providers": providers.HealthSnapshot(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				log.Warn("websocket upgrade failed", zap.Error(err))
				return
			}
			hub.attach(conn)
		})
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		logger: log,
		hub:    hub,
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
