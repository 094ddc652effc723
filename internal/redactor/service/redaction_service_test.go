package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iyngr/context-based-pii/internal/redactor/dlp"
	"github.com/iyngr/context-based-pii/internal/redactor/rconfig"
)

// ── mock engine ───────────────────────────────────────────────────────────

type mockEngine struct {
	deidentifyFn func(context.Context, *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error)
	requests     []*dlp.DeidentifyRequest
}

func (m *mockEngine) Deidentify(ctx context.Context, req *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error) {
	m.requests = append(m.requests, req)
	if m.deidentifyFn != nil {
		return m.deidentifyFn(ctx, req)
	}
	return &dlp.DeidentifyResponse{Item: dlp.ContentItem{Value: "[REDACTED]"}}, nil
}

var _ dlp.Client = (*mockEngine)(nil)

// ── fixtures ──────────────────────────────────────────────────────────────

const templatedDoc = `
dlp_templates:
  inspect_template_name: projects/p/locations/us-central1/inspectTemplates/identify
  deidentify_template_name: projects/p/locations/us-central1/deidentifyTemplates/deidentify
inspect_config:
  info_types:
    - name: EMAIL_ADDRESS
  custom_info_types:
    - info_type:
        name: MEMBER_ID
      regex:
        pattern: "\\b[A-Z]{2}\\d{8}\\b"
      likelihood: LIKELY
context_keywords:
  PHONE_NUMBER:
    - phone number
`

const inlineOnlyDoc = `
inspect_config:
  info_types:
    - name: EMAIL_ADDRESS
context_keywords:
  PHONE_NUMBER:
    - phone number
`

func newService(t *testing.T, doc string, engine dlp.Client) *RedactionService {
	t.Helper()
	tpl, err := rconfig.Parse([]byte(doc), "p")
	require.NoError(t, err)
	return NewRedactionService(engine, tpl, "p", "us-central1", zaptest.NewLogger(t))
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestRedactWithoutContextUsesServerTemplates(t *testing.T) {
	engine := &mockEngine{}
	svc := newService(t, templatedDoc, engine)

	redacted, contextUsed := svc.Redact(context.Background(), "c-1", "my email is a@b.com", nil)

	assert.Equal(t, "[REDACTED]", redacted)
	assert.False(t, contextUsed)

	require.Len(t, engine.requests, 1)
	req := engine.requests[0]
	assert.Equal(t, "projects/p/locations/us-central1", req.Parent)
	assert.Equal(t, "projects/p/locations/us-central1/inspectTemplates/identify", req.InspectTemplateName)
	assert.Nil(t, req.InspectConfig, "server template is authoritative without dynamic context")
	assert.Equal(t, "projects/p/locations/us-central1/deidentifyTemplates/deidentify", req.DeidentifyTemplateName)
	assert.Nil(t, req.DeidentifyConfig)
}

func TestRedactWithBuiltinContextAddsHotwordRuleSet(t *testing.T) {
	engine := &mockEngine{}
	svc := newService(t, templatedDoc, engine)

	rc := &RedactionContext{ExpectedPIIType: "PHONE_NUMBER"}
	_, contextUsed := svc.Redact(context.Background(), "c-1", "its 555-0100", rc)
	assert.True(t, contextUsed)

	require.Len(t, engine.requests, 1)
	req := engine.requests[0]
	assert.Empty(t, req.InspectTemplateName, "dynamic context forces the inline config")
	require.NotNil(t, req.InspectConfig)

	var names []string
	for _, it := range req.InspectConfig.InfoTypes {
		names = append(names, it.Name)
	}
	assert.Contains(t, names, "PHONE_NUMBER")
	assert.Contains(t, names, "EMAIL_ADDRESS")

	require.Len(t, req.InspectConfig.RuleSet, 1)
	rs := req.InspectConfig.RuleSet[0]
	assert.Equal(t, []dlp.InfoType{{Name: "PHONE_NUMBER"}}, rs.InfoTypes)
	require.Len(t, rs.Rules, 1)
	hw := rs.Rules[0].HotwordRule
	require.NotNil(t, hw)
	assert.Equal(t, "(?i).*", hw.HotwordRegex.Pattern)
	assert.Equal(t, 100, hw.Proximity.WindowBefore)
	assert.Equal(t, 100, hw.Proximity.WindowAfter)
	assert.Equal(t, dlp.LikelihoodVeryLikely, hw.LikelihoodAdjustment.FixedLikelihood)
}

func TestRedactWithCustomContextDeduplicates(t *testing.T) {
	engine := &mockEngine{}
	svc := newService(t, templatedDoc, engine)

	rc := &RedactionContext{ExpectedPIIType: "MEMBER_ID"}
	svc.Redact(context.Background(), "c-1", "member AB12345678", rc)

	require.Len(t, engine.requests, 1)
	cfg := engine.requests[0].InspectConfig
	require.NotNil(t, cfg)

	// MEMBER_ID is already declared custom in the base config: no duplicate
	// declaration, no hotword rule set.
	count := 0
	for _, cit := range cfg.CustomInfoTypes {
		if cit.InfoType.Name == "MEMBER_ID" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Empty(t, cfg.RuleSet)
}

func TestRedactContextDoesNotMutateBaseConfig(t *testing.T) {
	engine := &mockEngine{}
	svc := newService(t, templatedDoc, engine)
	ctx := context.Background()

	rc := &RedactionContext{ExpectedPIIType: "PHONE_NUMBER"}
	svc.Redact(ctx, "c-1", "turn one", rc)
	svc.Redact(ctx, "c-2", "turn two", nil)

	require.Len(t, engine.requests, 2)
	second := engine.requests[1]
	assert.Nil(t, second.InspectConfig, "second call has no context, so no inline config")

	// A third contextual call must see exactly one rule set, not an
	// accumulation from the first.
	svc.Redact(ctx, "c-3", "turn three", rc)
	third := engine.requests[2]
	require.NotNil(t, third.InspectConfig)
	assert.Len(t, third.InspectConfig.RuleSet, 1)
}

func TestRedactTemplateNotFoundFallsBackInlineOnce(t *testing.T) {
	engine := &mockEngine{}
	engine.deidentifyFn = func(_ context.Context, req *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error) {
		if req.InspectTemplateName != "" || req.DeidentifyTemplateName != "" {
			return nil, fmt.Errorf("%w: inspectTemplates/identify", dlp.ErrTemplateNotFound)
		}
		return &dlp.DeidentifyResponse{Item: dlp.ContentItem{Value: "[INLINE_REDACTED]"}}, nil
	}
	svc := newService(t, templatedDoc, engine)

	redacted, _ := svc.Redact(context.Background(), "c-1", "a@b.com", nil)

	assert.Equal(t, "[INLINE_REDACTED]", redacted)
	require.Len(t, engine.requests, 2)
	fallback := engine.requests[1]
	assert.Empty(t, fallback.InspectTemplateName)
	assert.Empty(t, fallback.DeidentifyTemplateName)
	require.NotNil(t, fallback.InspectConfig)
	require.NotNil(t, fallback.DeidentifyConfig)
}

func TestRedactFallbackFailureTagsTranscript(t *testing.T) {
	calls := 0
	engine := &mockEngine{}
	engine.deidentifyFn = func(context.Context, *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("%w: gone", dlp.ErrTemplateNotFound)
		}
		return nil, errors.New("engine exploded")
	}
	svc := newService(t, templatedDoc, engine)

	redacted, _ := svc.Redact(context.Background(), "c-1", "raw text", nil)

	assert.Equal(t, "[DLP_FALLBACK_PROCESSING_ERROR] raw text", redacted)
	assert.Equal(t, 2, calls, "exactly one fallback attempt")
}

func TestRedactPermissionDeniedTagsTranscript(t *testing.T) {
	engine := &mockEngine{}
	engine.deidentifyFn = func(context.Context, *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error) {
		return nil, fmt.Errorf("%w: no access", dlp.ErrPermissionDenied)
	}
	svc := newService(t, templatedDoc, engine)

	redacted, _ := svc.Redact(context.Background(), "c-1", "raw text", nil)
	assert.Equal(t, "[DLP_PERMISSION_DENIED_ERROR] raw text", redacted)
	assert.Len(t, engine.requests, 1, "permission denied is terminal, no fallback")
}

func TestRedactGenericFailureTagsTranscript(t *testing.T) {
	engine := &mockEngine{}
	engine.deidentifyFn = func(context.Context, *dlp.DeidentifyRequest) (*dlp.DeidentifyResponse, error) {
		return nil, errors.New("503 backend unavailable")
	}
	svc := newService(t, templatedDoc, engine)

	redacted, contextUsed := svc.Redact(context.Background(), "c-1", "raw text",
		&RedactionContext{ExpectedPIIType: "PHONE_NUMBER"})
	assert.Equal(t, "[DLP_PROCESSING_ERROR] raw text", redacted)
	assert.True(t, contextUsed, "context consultation is reported even on failure")
}

func TestRedactWithoutTemplatesAlwaysInline(t *testing.T) {
	engine := &mockEngine{}
	svc := newService(t, inlineOnlyDoc, engine)

	svc.Redact(context.Background(), "c-1", "a@b.com", nil)

	require.Len(t, engine.requests, 1)
	req := engine.requests[0]
	assert.Empty(t, req.InspectTemplateName)
	require.NotNil(t, req.InspectConfig)
	require.NotNil(t, req.DeidentifyConfig, "no deidentify template and no inline config falls back to replace-with-info-type")
	require.NotNil(t, req.DeidentifyConfig.InfoTypeTransformations)
}
