package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dmbridge/internal/webhookutils"
	"github.com/dmbridge/pkg/models"
)

// WebhookPayload is the event envelope the messaging platform delivers.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the messaging events of one delivery.
type WebhookEntry struct {
	ID        string         `json:"id"`
	Messaging []WebhookEvent `json:"messaging"`
}

// WebhookEvent is a single messaging event; only read receipts matter here.
type WebhookEvent struct {
	Read *struct {
		MID string `json:"mid"`
	} `json:"read,omitempty"`
}

// verifyWebhook answers the subscription handshake: echo back the challenge
// when the mode and verify token match.
func (s *Server) verifyWebhook(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == "" || token == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Bad Request: Missing mode or token",
		})
	}
	if mode != "subscribe" || token != s.cfg.WebhookVerifyToken {
		return c.NoContent(http.StatusForbidden)
	}

	s.log.Info().Msg("webhook verified")
	return c.String(http.StatusOK, challenge)
}

// receiveWebhook processes event deliveries. A read receipt for message id
// M sets M's status to Read, overwriting whatever status it had.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad Request: Unreadable body"})
	}

	if s.cfg.WebhookAppSecret != "" {
		signature := c.Request().Header.Get("X-Hub-Signature-256")
		if !webhookutils.ValidateSignature(s.cfg.WebhookAppSecret, signature, body) {
			s.log.Warn().Msg("webhook signature mismatch")
			return c.NoContent(http.StatusForbidden)
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad Request: Invalid JSON body"})
	}

	s.log.Info().Str("object", payload.Object).Int("entries", len(payload.Entry)).Msg("received webhook")

	if payload.Object != "instagram" {
		return c.NoContent(http.StatusNotFound)
	}

	ctx := c.Request().Context()
	for _, entry := range payload.Entry {
		for _, event := range entry.Messaging {
			if event.Read == nil {
				continue
			}
			if err := s.messages.UpdateMessageStatus(ctx, event.Read.MID, models.StatusRead); err != nil {
				s.log.Error().Err(err).Str("message_id", event.Read.MID).Msg("failed to mark message read")
			}
		}
	}
	return c.NoContent(http.StatusOK)
}
