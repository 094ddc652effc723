// Package handler implements the dispatcher's push endpoint. It fans raw
// transcript utterances out to the role-specific redactor endpoints and
// republishes the results on the redacted subject.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/dispatcher/client"
	"github.com/iyngr/context-based-pii/pkg/natsclient"
	"github.com/iyngr/context-based-pii/pkg/push"
)

// Publisher is the slice of the bus client the dispatcher needs.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v interface{}) error
}

// rawUtterance is the per-utterance payload shape.
type rawUtterance struct {
	ConversationID     string `json:"conversation_id"`
	OriginalEntryIndex int    `json:"original_entry_index"`
	ParticipantRole    string `json:"participant_role"`
	Text               string `json:"text"`
	UserID             string `json:"user_id,omitempty"`
	StartTimestampUsec int64  `json:"start_timestamp_usec"`
	LanguageCode       string `json:"language_code,omitempty"`
}

// batchPayload is the alternative whole-conversation payload shape: one
// message carrying every entry of a finished conversation.
type batchPayload struct {
	ConversationInfo *struct {
		SessionID string `json:"sessionId"`
	} `json:"conversation_info"`
	Entries []struct {
		Text               string `json:"text"`
		Role               string `json:"role"`
		UserID             string `json:"user_id,omitempty"`
		StartTimestampUsec int64  `json:"start_timestamp_usec"`
	} `json:"entries"`
	LanguageCode string `json:"language_code,omitempty"`
}

// RedactedUtterance is the message republished on the redacted subject.
type RedactedUtterance struct {
	ConversationID     string `json:"conversation_id"`
	OriginalEntryIndex int    `json:"original_entry_index"`
	ParticipantRole    string `json:"participant_role"`
	Text               string `json:"text"`
	OriginalTranscript string `json:"original_transcript,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	StartTimestampUsec int64  `json:"start_timestamp_usec"`
	LanguageCode       string `json:"language_code,omitempty"`
}

// DispatchHandler receives raw bus pushes and routes each utterance through
// the redactor.
type DispatchHandler struct {
	redactor client.RedactorClient
	bus      Publisher
	logger   *zap.Logger
}

// NewDispatchHandler constructs a DispatchHandler.
func NewDispatchHandler(redactor client.RedactorClient, bus Publisher, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{redactor: redactor, bus: bus, logger: logger}
}

// Register mounts the routes on the provided Echo instance.
func (h *DispatchHandler) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/", h.HandlePush)
}

// HandlePush decodes a push envelope and processes its utterances. Poison
// payloads get a 400 so the bus stops redelivering them; per-utterance
// redactor failures are logged and acked, the pipeline must not wedge on one
// bad turn.
func (h *DispatchHandler) HandlePush(c echo.Context) error {
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
	if messageID == "" {
		// Emulators and manual replays omit the bus-assigned id; mint one so
		// the delivery stays traceable across log lines.
		messageID = uuid.NewString()
	}

	utterances, err := explode(payload)
	if err != nil {
		h.logger.Warn("rejecting undecodable payload",
			zap.String("message_id", messageID), zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	ctx := c.Request().Context()
	for _, u := range utterances {
		h.process(ctx, messageID, u)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "processed"})
}

// explode normalizes both accepted payload shapes into a flat utterance list.
// The batched shape carries the conversation id in conversation_info.sessionId
// and implies entry indexes from array position.
func explode(payload []byte) ([]rawUtterance, error) {
	var batch batchPayload
	if err := json.Unmarshal(payload, &batch); err == nil && batch.ConversationInfo != nil {
		if batch.ConversationInfo.SessionID == "" {
			return nil, errMissingSession
		}
		out := make([]rawUtterance, 0, len(batch.Entries))
		for i, e := range batch.Entries {
			out = append(out, rawUtterance{
				ConversationID:     batch.ConversationInfo.SessionID,
				OriginalEntryIndex: i,
				ParticipantRole:    e.Role,
				Text:               e.Text,
				UserID:             e.UserID,
				StartTimestampUsec: e.StartTimestampUsec,
				LanguageCode:       batch.LanguageCode,
			})
		}
		return out, nil
	}

	var single rawUtterance
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	if single.ConversationID == "" || single.ParticipantRole == "" ||
		single.Text == "" || single.StartTimestampUsec == 0 {
		return nil, errMissingFields
	}
	return []rawUtterance{single}, nil
}

var (
	errMissingFields  = &fieldError{"payload missing one of conversation_id, participant_role, text, start_timestamp_usec"}
	errMissingSession = &fieldError{"batched payload missing conversation_info.sessionId"}
)

type fieldError struct{ msg string }

func (e *fieldError) Error() string { return e.msg }

// process routes one utterance by role. Errors are terminal for the
// utterance, never for the push delivery.
func (h *DispatchHandler) process(ctx context.Context, messageID string, u rawUtterance) {
	role := strings.ToUpper(u.ParticipantRole)
	if role == "CUSTOMER" {
		role = "END_USER"
	}

	log := h.logger.With(
		zap.String("message_id", messageID),
		zap.String("conversation_id", u.ConversationID),
		zap.Int("original_entry_index", u.OriginalEntryIndex),
		zap.String("role", role),
	)

	// Batched entries are not shape-checked in explode; incomplete ones are
	// dropped here so they never reach the redacted subject.
	if u.Text == "" || u.StartTimestampUsec == 0 {
		log.Warn("skipping utterance with missing fields")
		return
	}

	out := RedactedUtterance{
		ConversationID:     u.ConversationID,
		OriginalEntryIndex: u.OriginalEntryIndex,
		ParticipantRole:    role,
		Text:               u.Text,
		UserID:             u.UserID,
		StartTimestampUsec: u.StartTimestampUsec,
		LanguageCode:       u.LanguageCode,
	}

	switch role {
	case "AGENT":
		if err := h.redactor.HandleAgentUtterance(ctx, u.ConversationID, u.Text); err != nil {
			log.Error("agent utterance handling failed, skipping", zap.Error(err))
			return
		}

	case "END_USER":
		redacted, err := h.redactor.HandleCustomerUtterance(ctx, u.ConversationID, u.Text)
		if err != nil {
			log.Error("customer utterance redaction failed, skipping", zap.Error(err))
			return
		}
		out.Text = redacted
		out.OriginalTranscript = u.Text

	default:
		log.Warn("unknown participant role, skipping utterance")
		return
	}

	if err := h.bus.PublishJSON(ctx, natsclient.SubjectRedacted, out); err != nil {
		log.Error("failed to republish redacted utterance", zap.Error(err))
		return
	}
	log.Info("utterance dispatched")
}
