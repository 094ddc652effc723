// Package client holds the dispatcher's outbound HTTP client for the
// redactor service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/iyngr/context-based-pii/internal/dispatcher/auth"
)

// RedactorClient is the dispatcher's view of the redactor service.
type RedactorClient interface {
	// HandleAgentUtterance submits an agent turn so the redactor can arm
	// the conversation's redaction context.
	HandleAgentUtterance(ctx context.Context, conversationID, transcript string) error
	// HandleCustomerUtterance submits a customer turn and returns the
	// redacted transcript.
	HandleCustomerUtterance(ctx context.Context, conversationID, transcript string) (string, error)
}

type httpRedactorClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
}

// NewRedactorClient creates an HTTP-backed RedactorClient. Every request
// carries an identity token minted for the redactor's base URL.
func NewRedactorClient(baseURL string, tokens auth.TokenSource) RedactorClient {
	return &httpRedactorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
	}
}

type utterancePayload struct {
	ConversationID string `json:"conversation_id"`
	Transcript     string `json:"transcript"`
}

type customerResult struct {
	RedactedTranscript string `json:"redacted_transcript"`
	ContextUsed        bool   `json:"context_used"`
}

func (c *httpRedactorClient) HandleAgentUtterance(ctx context.Context, conversationID, transcript string) error {
	_, err := c.post(ctx, "/handle-agent-utterance", utterancePayload{
		ConversationID: conversationID,
		Transcript:     transcript,
	})
	return err
}

func (c *httpRedactorClient) HandleCustomerUtterance(ctx context.Context, conversationID, transcript string) (string, error) {
	body, err := c.post(ctx, "/handle-customer-utterance", utterancePayload{
		ConversationID: conversationID,
		Transcript:     transcript,
	})
	if err != nil {
		return "", err
	}

	var res customerResult
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode redactor response: %w", err)
	}
	return res.RedactedTranscript, nil
}

func (c *httpRedactorClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("mint identity token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call redactor %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read redactor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("redactor %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}
