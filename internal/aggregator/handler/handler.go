// Package handler exposes the aggregator's push endpoints. Deployments that
// deliver over HTTP instead of a pull consumer hit these; both feed the same
// service layer.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/aggregator/service"
	"github.com/iyngr/context-based-pii/pkg/push"
)

// AggregatorHandler adapts push deliveries onto the AggregatorService.
type AggregatorHandler struct {
	svc    *service.AggregatorService
	logger *zap.Logger
}

// NewAggregatorHandler constructs an AggregatorHandler.
func NewAggregatorHandler(svc *service.AggregatorService, logger *zap.Logger) *AggregatorHandler {
	return &AggregatorHandler{svc: svc, logger: logger}
}

// Register mounts the routes on the provided Echo instance.
func (h *AggregatorHandler) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/redacted-transcripts", h.HandleRedactedTranscript)
	e.POST("/conversation-ended", h.HandleConversationEnded)
}

// HandleRedactedTranscript stores one redacted utterance delivered by push.
// 400 stops redelivery of poison payloads; 500 asks the bus to redeliver.
func (h *AggregatorHandler) HandleRedactedTranscript(c echo.Context) error {
	payload, messageID, ok := h.decode(c)
	if !ok {
		return nil
	}

	var ev service.UtteranceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("undecodable utterance payload",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid utterance payload"})
	}

	if err := h.svc.Ingest(c.Request().Context(), ev); err != nil {
		if errors.Is(err, service.ErrBadEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("utterance ingest failed",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stored"})
}

// HandleConversationEnded finalizes a conversation on its lifecycle event.
func (h *AggregatorHandler) HandleConversationEnded(c echo.Context) error {
	payload, messageID, ok := h.decode(c)
	if !ok {
		return nil
	}

	var ev service.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("undecodable lifecycle payload",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid lifecycle payload"})
	}

	outcome, err := h.svc.Close(c.Request().Context(), ev)
	if err != nil {
		if errors.Is(err, service.ErrBadEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("conversation finalization failed",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "finalization failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(outcome)})
}

// decode reads and unwraps the push envelope, writing the 400 itself on shape
// errors. The bool reports whether the caller should continue.
func (h *AggregatorHandler) decode(c echo.Context) ([]byte, string, bool) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("failed to read push body", zap.Error(err))
		c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not read request body"})
		return nil, "", false
	}

	payload, messageID, err := push.Decode(body)
	if err != nil {
		h.logger.Warn("rejecting malformed push message", zap.Error(err))
		c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, "", false
	}
	return payload, messageID, true
}
