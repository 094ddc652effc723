// Package rconfig loads the static detection-template file read once at
// redactor startup. The file declares the server-side template names, the
// base inspect/deidentify configs and the ordered context-keyword table that
// drives dynamic sensitivity.
package rconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iyngr/context-based-pii/internal/redactor/dlp"
)

// projectPlaceholder is substituted with the runtime project id in template
// names, so one file serves every environment.
const projectPlaceholder = "${PROJECT_ID}"

// TemplateNames holds the server-side template resource names. Either may be
// empty, in which case the inline configs are sent instead.
type TemplateNames struct {
	InspectTemplateName    string `yaml:"inspect_template_name"`
	DeidentifyTemplateName string `yaml:"deidentify_template_name"`
}

// Templates is the immutable startup configuration record.
type Templates struct {
	DLPLocation      string                `yaml:"dlp_location"`
	DLPTemplates     TemplateNames         `yaml:"dlp_templates"`
	InspectConfig    dlp.InspectConfig     `yaml:"inspect_config"`
	DeidentifyConfig *dlp.DeidentifyConfig `yaml:"deidentify_config"`
	ContextKeywords  KeywordTable          `yaml:"context_keywords"`
}

// KeywordRule associates one PII type tag with its trigger substrings.
type KeywordRule struct {
	PIIType  string
	Keywords []string
}

// KeywordTable is an ORDERED list of keyword rules. Order matters: the first
// matching (pii_type, keyword) pair wins, so matching is deterministic for a
// given file regardless of how many rules could fire.
type KeywordTable []KeywordRule

// UnmarshalYAML decodes the context_keywords mapping while preserving the
// document order of its keys; a plain map would randomise it.
func (t *KeywordTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("context_keywords: expected a mapping, got %v", node.Kind)
	}
	out := make(KeywordTable, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var rule KeywordRule
		rule.PIIType = node.Content[i].Value
		if err := node.Content[i+1].Decode(&rule.Keywords); err != nil {
			return fmt.Errorf("context_keywords[%s]: %w", rule.PIIType, err)
		}
		out = append(out, rule)
	}
	*t = out
	return nil
}

// Match scans transcript (lower-cased) against the table in order and returns
// the first matching PII type. Keywords are matched as plain substrings with
// no normalisation beyond lowercasing.
func (t KeywordTable) Match(transcript string) (string, bool) {
	lower := strings.ToLower(transcript)
	for _, rule := range t {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.PIIType, true
			}
		}
	}
	return "", false
}

// CustomInfoType returns the full declaration of name from the base inspect
// config, if the file declares it as a custom detector.
func (t *Templates) CustomInfoType(name string) (dlp.CustomInfoType, bool) {
	for _, cit := range t.InspectConfig.CustomInfoTypes {
		if cit.InfoType.Name == name {
			return cit, true
		}
	}
	return dlp.CustomInfoType{}, false
}

// Load reads and parses the template file, substituting ${PROJECT_ID} in the
// template names.
func Load(path, projectID string) (*Templates, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file %s: %w", path, err)
	}
	return Parse(raw, projectID)
}

// Parse decodes the YAML document. Split from Load for tests.
func Parse(raw []byte, projectID string) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode template file: %w", err)
	}
	t.DLPTemplates.InspectTemplateName = strings.ReplaceAll(
		t.DLPTemplates.InspectTemplateName, projectPlaceholder, projectID)
	t.DLPTemplates.DeidentifyTemplateName = strings.ReplaceAll(
		t.DLPTemplates.DeidentifyTemplateName, projectPlaceholder, projectID)
	return &t, nil
}
