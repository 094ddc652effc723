// Package handler contains the Echo HTTP handlers for the redactor service.
//
// Two endpoints cooperate per conversation: the agent endpoint arms a
// short-lived "what PII was just asked for" hint, the customer endpoint
// consumes it to bias the detection engine for the reply.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/redactor/rconfig"
	"github.com/iyngr/context-based-pii/internal/redactor/service"
)

type errResp struct {
	Error string `json:"error"`
}

// UtteranceHandler serves the two role-specific redaction endpoints.
type UtteranceHandler struct {
	contexts  *service.ContextStore
	redaction *service.RedactionService
	keywords  rconfig.KeywordTable
	logger    *zap.Logger
}

// NewUtteranceHandler constructs an UtteranceHandler.
func NewUtteranceHandler(contexts *service.ContextStore, redaction *service.RedactionService, keywords rconfig.KeywordTable, logger *zap.Logger) *UtteranceHandler {
	return &UtteranceHandler{
		contexts:  contexts,
		redaction: redaction,
		keywords:  keywords,
		logger:    logger,
	}
}

// Register mounts the routes on the provided Echo instance. The utterance
// endpoints sit behind the bearer check; health probes do not.
func (h *UtteranceHandler) Register(e *echo.Echo) {
	e.GET("/", h.Hello)
	e.GET("/healthz", h.Healthz)

	g := e.Group("", RequireBearer())
	g.POST("/handle-agent-utterance", h.HandleAgentUtterance)
	g.POST("/handle-customer-utterance", h.HandleCustomerUtterance)
}

// Hello keeps the original root banner so load balancer smoke checks have a
// stable target.
func (h *UtteranceHandler) Hello(c echo.Context) error {
	return c.String(http.StatusOK, "Hello, World! This is the Context Manager Service.")
}

func (h *UtteranceHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// utteranceRequest is the shared body of both endpoints. Transcript is a
// pointer so an explicitly empty transcript is distinguishable from an
// absent field: empty is valid input, absent is a shape error.
type utteranceRequest struct {
	ConversationID string  `json:"conversation_id"`
	Transcript     *string `json:"transcript"`
}

func (r *utteranceRequest) validate() string {
	if r.ConversationID == "" || r.Transcript == nil {
		return "Missing conversation_id or transcript"
	}
	return ""
}

// ── POST /handle-agent-utterance ─────────────────────────────────────────

type agentResponse struct {
	Message     string `json:"message"`
	ExpectedPII string `json:"expected_pii,omitempty"`
}

// HandleAgentUtterance scans the agent's turn for PII-soliciting keywords and
// arms the redaction context on a match. No match is a successful no-op.
func (h *UtteranceHandler) HandleAgentUtterance(c echo.Context) error {
	var req utteranceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errResp{Error: "invalid request body"})
	}
	if msg := req.validate(); msg != "" {
		h.logger.Warn("agent utterance rejected",
			zap.String("event", "missing_fields_error"),
			zap.String("conversation_id", req.ConversationID),
		)
		return c.JSON(http.StatusBadRequest, errResp{Error: msg})
	}

	piiType, ok := h.keywords.Match(*req.Transcript)
	if !ok {
		return c.JSON(http.StatusOK, agentResponse{
			Message: "Agent utterance processed, no specific PII context to store.",
		})
	}

	if err := h.contexts.Save(c.Request().Context(), req.ConversationID, piiType); err != nil {
		h.logger.Error("failed to store redaction context",
			zap.String("event", "context_store_error"),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		return c.JSON(http.StatusServiceUnavailable, errResp{Error: "Failed to store context"})
	}

	return c.JSON(http.StatusOK, agentResponse{
		Message:     "Agent utterance processed, context stored.",
		ExpectedPII: piiType,
	})
}

// ── POST /handle-customer-utterance ──────────────────────────────────────

type customerResponse struct {
	RedactedTranscript string `json:"redacted_transcript"`
	ContextUsed        bool   `json:"context_used"`
}

// HandleCustomerUtterance redacts the customer's turn, biased by the armed
// context when one exists. Context absence only degrades sensitivity; it is
// never an error.
func (h *UtteranceHandler) HandleCustomerUtterance(c echo.Context) error {
	var req utteranceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errResp{Error: "invalid request body"})
	}
	if msg := req.validate(); msg != "" {
		h.logger.Warn("customer utterance rejected",
			zap.String("event", "missing_fields_error"),
			zap.String("conversation_id", req.ConversationID),
		)
		return c.JSON(http.StatusBadRequest, errResp{Error: msg})
	}

	// Nothing to redact; skip the engine round-trip entirely.
	if *req.Transcript == "" {
		return c.JSON(http.StatusOK, customerResponse{RedactedTranscript: "", ContextUsed: false})
	}

	ctx := c.Request().Context()
	rc := h.contexts.Fetch(ctx, req.ConversationID)
	redacted, contextUsed := h.redaction.Redact(ctx, req.ConversationID, *req.Transcript, rc)

	return c.JSON(http.StatusOK, customerResponse{
		RedactedTranscript: redacted,
		ContextUsed:        contextUsed,
	})
}
