// Package insights is the typed client for the conversation analytics sink.
// Uploads are long-running operations: the upload call returns an operation
// name which is then polled to completion.
package insights

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

// ErrAlreadyExists reports that the sink already holds a conversation with
// this id. Redelivered blob events hit this; it is a success for the caller.
var ErrAlreadyExists = errors.New("conversation already exists")

// codeAlreadyExists is the canonical RPC status code carried in the
// operation's error payload.
const codeAlreadyExists = 6

// UploadRequest describes one transcript artifact to ingest.
type UploadRequest struct {
	ProjectID      string
	Location       string
	ConversationID string
	TranscriptURI  string // gs://bucket/object
}

// Operation is the polled state of a long-running upload.
type Operation struct {
	Name  string          `json:"name"`
	Done  bool            `json:"done"`
	Error *OperationError `json:"error,omitempty"`
}

// OperationError is the terminal failure payload of an operation.
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is the uploader's view of the analytics sink.
type Client interface {
	// UploadConversation starts the ingest and returns the operation name.
	UploadConversation(ctx context.Context, req *UploadRequest) (string, error)
	// GetOperation fetches the current state of a long-running operation.
	GetOperation(ctx context.Context, name string) (*Operation, error)
}

type httpClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates an HTTP Client for the sink at baseURL. token is optional
// and sent as a bearer credential when set.
func NewClient(baseURL, token string) Client {
	return &httpClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
	}
}

// Server-side template names the sink applies on ingest. The transcript was
// already redacted upstream; this is the sink's own final pass.
const (
	deidentifyTemplateSuffix = "deidentifyTemplates/deidentify"
	inspectTemplateSuffix    = "inspectTemplates/identify"
)

type uploadBody struct {
	Parent       string `json:"parent"`
	Conversation struct {
		DataSource struct {
			GCSSource struct {
				TranscriptURI string `json:"transcriptUri"`
			} `json:"gcsSource"`
		} `json:"dataSource"`
	} `json:"conversation"`
	ConversationID  string `json:"conversationId"`
	RedactionConfig struct {
		DeidentifyTemplate string `json:"deidentifyTemplate"`
		InspectTemplate    string `json:"inspectTemplate"`
	} `json:"redactionConfig"`
}

func (c *httpClient) UploadConversation(ctx context.Context, req *UploadRequest) (string, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s", req.ProjectID, req.Location)

	var body uploadBody
	body.Parent = parent
	body.Conversation.DataSource.GCSSource.TranscriptURI = req.TranscriptURI
	body.ConversationID = req.ConversationID
	body.RedactionConfig.DeidentifyTemplate = parent + "/" + deidentifyTemplateSuffix
	body.RedactionConfig.InspectTemplate = parent + "/" + inspectTemplateSuffix

	raw, err := c.post(ctx, fmt.Sprintf("/v1/%s/conversations:upload", parent), body)
	if err != nil {
		return "", err
	}

	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if op.Name == "" {
		return "", fmt.Errorf("upload response carried no operation name")
	}
	return op.Name, nil
}

func (c *httpClient) GetOperation(ctx context.Context, name string) (*Operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("build operation request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", name, err)
	}
	return &op, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *httpClient) do(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analytics sink: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sink response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("analytics sink returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Failed converts a done operation's error payload into a Go error, mapping
// the already-exists status onto its sentinel.
func (op *Operation) Failed() error {
	if op.Error == nil {
		return nil
	}
	if op.Error.Code == codeAlreadyExists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, op.Error.Message)
	}
	return fmt.Errorf("operation %s failed with code %d: %s", op.Name, op.Error.Code, op.Error.Message)
}
