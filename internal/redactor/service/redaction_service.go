package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/redactor/dlp"
	"github.com/iyngr/context-based-pii/internal/redactor/rconfig"
)

// Tagged placeholder prefixes returned in place of a redacted transcript when
// the engine call fails terminally. The pipeline must keep moving, so these
// are returned as values, never raised as errors.
const (
	prefixPermissionDenied = "[DLP_PERMISSION_DENIED_ERROR] "
	prefixProcessingError  = "[DLP_PROCESSING_ERROR] "
	prefixFallbackError    = "[DLP_FALLBACK_PROCESSING_ERROR] "
)

// hotwordCatchAll matches anywhere near a candidate finding; combined with
// the symmetric proximity window it turns the armed context into a blanket
// likelihood boost for the expected type.
const (
	hotwordCatchAll       = "(?i).*"
	hotwordProximityChars = 100
)

// RedactionService assembles context-aware detection requests and invokes the
// engine. It holds only immutable startup state and is safe for concurrent use.
type RedactionService struct {
	engine    dlp.Client
	templates *rconfig.Templates
	projectID string
	location  string
	logger    *zap.Logger
}

// NewRedactionService constructs a RedactionService. location is the fallback
// region when the template file does not pin one.
func NewRedactionService(engine dlp.Client, templates *rconfig.Templates, projectID, location string, logger *zap.Logger) *RedactionService {
	if templates.DLPLocation != "" {
		location = templates.DLPLocation
	}
	return &RedactionService{
		engine:    engine,
		templates: templates,
		projectID: projectID,
		location:  location,
		logger:    logger,
	}
}

// Redact de-identifies transcript, biased by the armed redaction context when
// one is present. It returns the redacted text and whether a context was
// consulted. Terminal engine failures yield a tagged placeholder value.
func (s *RedactionService) Redact(ctx context.Context, conversationID, transcript string, rc *RedactionContext) (string, bool) {
	parent := fmt.Sprintf("projects/%s/locations/%s", s.projectID, s.location)

	inline := s.templates.InspectConfig.Clone()
	dynamicApplied := false

	if rc != nil && rc.ExpectedPIIType != "" {
		s.applyContext(&inline, rc.ExpectedPIIType)
		dynamicApplied = true
	}

	req := &dlp.DeidentifyRequest{
		Parent: parent,
		Item:   dlp.ContentItem{Value: transcript},
	}

	// Inspection selection: dynamic adjustments and template-less deployments
	// both use the assembled inline config; otherwise the server-side template
	// is authoritative.
	if dynamicApplied || s.templates.DLPTemplates.InspectTemplateName == "" {
		req.InspectConfig = &inline
	} else {
		req.InspectTemplateName = s.templates.DLPTemplates.InspectTemplateName
	}

	if s.templates.DLPTemplates.DeidentifyTemplateName != "" {
		req.DeidentifyTemplateName = s.templates.DLPTemplates.DeidentifyTemplateName
	} else {
		req.DeidentifyConfig = s.deidentifyConfig()
	}

	resp, err := s.engine.Deidentify(ctx, req)
	if err == nil {
		s.logger.Info("deidentification succeeded",
			zap.String("conversation_id", conversationID),
			zap.Bool("dynamic_context_applied", dynamicApplied),
		)
		return resp.Item.Value, rc != nil
	}

	switch {
	case errors.Is(err, dlp.ErrTemplateNotFound):
		// Exactly one fallback attempt with a fully inline request.
		s.logger.Warn("detection template not found, retrying with inline config",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return s.redactInline(ctx, conversationID, transcript, inline), rc != nil

	case errors.Is(err, dlp.ErrPermissionDenied):
		s.logger.Error("detection engine permission denied",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return prefixPermissionDenied + transcript, rc != nil

	default:
		s.logger.Error("detection engine call failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return prefixProcessingError + transcript, rc != nil
	}
}

// redactInline is the template-not-found fallback path.
func (s *RedactionService) redactInline(ctx context.Context, conversationID, transcript string, inline dlp.InspectConfig) string {
	req := &dlp.DeidentifyRequest{
		Parent:           fmt.Sprintf("projects/%s/locations/%s", s.projectID, s.location),
		Item:             dlp.ContentItem{Value: transcript},
		InspectConfig:    &inline,
		DeidentifyConfig: s.deidentifyConfig(),
	}

	resp, err := s.engine.Deidentify(ctx, req)
	if err != nil {
		s.logger.Error("inline fallback deidentification failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return prefixFallbackError + transcript
	}
	s.logger.Info("inline fallback deidentification succeeded",
		zap.String("conversation_id", conversationID))
	return resp.Item.Value
}

// applyContext folds the expected PII type into the inline inspect config.
// Custom types get their full declaration (deduplicated by name, no hotword
// rule); built-in types get an info-type entry plus a VERY_LIKELY hotword
// boost, updating an existing rule set for the type in place.
func (s *RedactionService) applyContext(inline *dlp.InspectConfig, piiType string) {
	if custom, ok := s.templates.CustomInfoType(piiType); ok {
		for _, cit := range inline.CustomInfoTypes {
			if cit.InfoType.Name == piiType {
				return
			}
		}
		inline.CustomInfoTypes = append(inline.CustomInfoTypes, custom)
		return
	}

	found := false
	for _, it := range inline.InfoTypes {
		if it.Name == piiType {
			found = true
			break
		}
	}
	if !found {
		inline.InfoTypes = append(inline.InfoTypes, dlp.InfoType{Name: piiType})
	}

	rule := dlp.InspectionRule{HotwordRule: &dlp.HotwordRule{
		HotwordRegex: dlp.Regex{Pattern: hotwordCatchAll},
		Proximity: dlp.Proximity{
			WindowBefore: hotwordProximityChars,
			WindowAfter:  hotwordProximityChars,
		},
		LikelihoodAdjustment: dlp.LikelihoodAdjustment{
			FixedLikelihood: dlp.LikelihoodVeryLikely,
		},
	}}

	for i, rs := range inline.RuleSet {
		for _, it := range rs.InfoTypes {
			if it.Name == piiType {
				inline.RuleSet[i].Rules = []dlp.InspectionRule{rule}
				return
			}
		}
	}
	inline.RuleSet = append(inline.RuleSet, dlp.InspectionRuleSet{
		InfoTypes: []dlp.InfoType{{Name: piiType}},
		Rules:     []dlp.InspectionRule{rule},
	})
}

// deidentifyConfig returns the file's inline deidentify config, or the
// replace-with-infoType default when the file omits one.
func (s *RedactionService) deidentifyConfig() *dlp.DeidentifyConfig {
	if s.templates.DeidentifyConfig != nil {
		return s.templates.DeidentifyConfig
	}
	return dlp.DefaultDeidentifyConfig()
}
