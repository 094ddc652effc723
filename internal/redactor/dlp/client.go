// Package dlp provides an HTTP client facade for the PII detection engine's
// content:deidentify RPC. Using an interface allows callers (service layer,
// tests) to swap in a mock.
package dlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Failure classes the redactor distinguishes. Template-not-found triggers the
// single inline-config fallback; the others map to tagged placeholder output.
var (
	ErrTemplateNotFound = errors.New("dlp: template not found")
	ErrPermissionDenied = errors.New("dlp: permission denied")
	ErrUnimplemented    = errors.New("dlp: method not implemented")
)

// Client abstracts the detection engine.
type Client interface {
	// Deidentify inspects req.Item and returns the redacted item.
	Deidentify(ctx context.Context, req *DeidentifyRequest) (*DeidentifyResponse, error)
}

// httpClient is the production implementation backed by real HTTP calls.
type httpClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient constructs a ready-to-use Client.
//
//   - baseURL is the root URL of the engine, regional endpoints included
//     (e.g. "https://us-central1-dlp.googleapis.com"), no trailing slash.
//   - apiToken is an optional bearer token sent as Authorization header.
func NewClient(baseURL, apiToken string) Client {
	return &httpClient{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiErrorBody is the engine's error envelope.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpClient) Deidentify(ctx context.Context, req *DeidentifyRequest) (*DeidentifyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dlp client: marshal request body: %w", err)
	}

	url := fmt.Sprintf("%s/v2/%s/content:deidentify", c.baseURL, req.Parent)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dlp client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dlp client: http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dlp client: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyError(resp.StatusCode, raw)
	}

	var out DeidentifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("dlp client: unmarshal response: %w", err)
	}
	return &out, nil
}

// classifyError maps the engine's status strings onto the sentinel errors the
// redaction service branches on.
func classifyError(statusCode int, raw []byte) error {
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)

	switch body.Error.Status {
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, body.Error.Message)
	case "PERMISSION_DENIED":
		return fmt.Errorf("%w: %s", ErrPermissionDenied, body.Error.Message)
	case "UNIMPLEMENTED":
		return fmt.Errorf("%w: %s", ErrUnimplemented, body.Error.Message)
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrTemplateNotFound)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d", ErrPermissionDenied, statusCode)
	}
	return fmt.Errorf("dlp client: unexpected status %d: %s", statusCode, string(raw))
}
