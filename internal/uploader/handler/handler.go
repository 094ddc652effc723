// Package handler exposes the uploader's push endpoint for blob-created
// notifications.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/uploader/service"
	"github.com/iyngr/context-based-pii/pkg/push"
)

// blobEvent is the storage notification payload inside the push envelope.
type blobEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// UploadHandler adapts blob notifications onto the UploaderService.
type UploadHandler struct {
	svc    *service.UploaderService
	logger *zap.Logger
}

// NewUploadHandler constructs an UploadHandler.
func NewUploadHandler(svc *service.UploaderService, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{svc: svc, logger: logger}
}

// Register mounts the routes on the provided Echo instance.
func (h *UploadHandler) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/", h.HandleBlobCreated)
}

// HandleBlobCreated unwraps the push envelope and ingests the new artifact.
// A 500 asks for redelivery; shape errors get a 400 and stop.
func (h *UploadHandler) HandleBlobCreated(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("failed to read push body", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not read request body"})
	}

	payload, messageID, err := push.Decode(body)
	if err != nil {
		h.logger.Warn("rejecting malformed push message", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var ev blobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("undecodable blob event",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid blob event"})
	}

	if err := h.svc.HandleBlobCreated(c.Request().Context(), ev.Bucket, ev.Name); err != nil {
		if errors.Is(err, service.ErrBadEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("conversation upload failed",
			zap.String("message_id", messageID),
			zap.String("object", ev.Name),
			zap.Error(err),
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "upload failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "uploaded"})
}
