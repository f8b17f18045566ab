package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dmbridge/internal/store"
	"github.com/dmbridge/pkg/models"
)

// PipelineRunner triggers one ingestion run.
type PipelineRunner interface {
	Run(ctx context.Context, accessToken string) error
}

// MessageReader serves persisted messages and status updates to handlers.
type MessageReader interface {
	GetAllMessages(ctx context.Context) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
}

// ReplySender sends a reply through the official messaging endpoint.
type ReplySender interface {
	SendMessage(ctx context.Context, accessToken, recipientID, text string) error
}

// TemplateSender sends a templated message through the unofficial channel.
type TemplateSender interface {
	LoggedIn() bool
	SendTemplate(ctx context.Context, username, text string) error
}

// ServerConfig carries the HTTP-facing configuration.
type ServerConfig struct {
	Host               string
	Port               int
	APIKey             string
	APIKeyHash         string
	WebhookVerifyToken string
	WebhookAppSecret   string
	PageAccessToken    string
}

// Server is the HTTP surface of the bridge.
type Server struct {
	echo     *echo.Echo
	cfg      ServerConfig
	pipeline PipelineRunner
	messages MessageReader
	replies  ReplySender
	template TemplateSender
	log      zerolog.Logger
}

// ErrorResponse is the generic error body; pipeline detail never leaks out.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg ServerConfig, pipeline PipelineRunner, messages MessageReader, replies ReplySender, template TemplateSender, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))

	server := &Server{
		echo:     e,
		cfg:      cfg,
		pipeline: pipeline,
		messages: messages,
		replies:  replies,
		template: template,
		log:      log.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	messages := s.echo.Group("/api/v1/messages")
	messages.GET("", s.getConversations, s.requireAPIKey)
	messages.POST("/template", s.sendTemplate, s.requireAPIKey)
	messages.POST("/reply", s.sendReply, s.requireAPIKey)
	messages.GET("/webhook", s.verifyWebhook)
	messages.POST("/webhook", s.receiveWebhook)
}

// Start begins serving and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// getConversations runs the ingestion pipeline and returns every persisted
// message grouped by conversation id.
func (s *Server) getConversations(c echo.Context) error {
	ctx := c.Request().Context()

	if err := s.pipeline.Run(ctx, s.cfg.PageAccessToken); err != nil {
		s.log.Error().Err(err).Msg("pipeline run failed")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Internal Server Error: Failed to fetch conversations",
		})
	}

	msgs, err := s.messages.GetAllMessages(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read messages")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Internal Server Error: Failed to fetch conversations",
		})
	}

	return c.JSON(http.StatusOK, store.GroupByConversation(msgs))
}

// sendTemplate sends a templated message through the unofficial channel.
func (s *Server) sendTemplate(c echo.Context) error {
	username := c.QueryParam("username")
	message := c.QueryParam("message")
	if username == "" || message == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Bad Request: Username and message are required",
		})
	}

	if !s.template.LoggedIn() {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Service Unavailable: Direct messaging is not logged in",
		})
	}

	if err := s.template.SendTemplate(c.Request().Context(), username, message); err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("failed to send template message")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Internal Server Error: Failed to send template message",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"success": "Message sent."})
}

// sendReply sends a reply through the official messaging endpoint.
func (s *Server) sendReply(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	message := c.QueryParam("message")
	if recipient == "" || message == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Bad Request: Recipient and message are required",
		})
	}

	if err := s.replies.SendMessage(c.Request().Context(), s.cfg.PageAccessToken, recipient, message); err != nil {
		s.log.Error().Err(err).Str("recipient", recipient).Msg("failed to send reply")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Internal Server Error: Failed to send message",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"success": "Message sent."})
}
