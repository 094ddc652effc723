package rconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
dlp_location: europe-west2
dlp_templates:
  inspect_template_name: projects/${PROJECT_ID}/locations/europe-west2/inspectTemplates/identify
  deidentify_template_name: projects/${PROJECT_ID}/locations/europe-west2/deidentifyTemplates/deidentify
inspect_config:
  info_types:
    - name: EMAIL_ADDRESS
  custom_info_types:
    - info_type:
        name: MEMBER_ID
      regex:
        pattern: "\\b[A-Z]{2}\\d{8}\\b"
      likelihood: LIKELY
  min_likelihood: POSSIBLE
context_keywords:
  US_SOCIAL_SECURITY_NUMBER:
    - social security
    - ssn
  PHONE_NUMBER:
    - phone number
  MEMBER_ID:
    - member id
`

func TestParseSubstitutesProjectID(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "proj-123")
	require.NoError(t, err)

	assert.Equal(t, "europe-west2", tpl.DLPLocation)
	assert.Equal(t,
		"projects/proj-123/locations/europe-west2/inspectTemplates/identify",
		tpl.DLPTemplates.InspectTemplateName)
	assert.Equal(t,
		"projects/proj-123/locations/europe-west2/deidentifyTemplates/deidentify",
		tpl.DLPTemplates.DeidentifyTemplateName)
}

func TestParsePreservesKeywordOrder(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "p")
	require.NoError(t, err)

	require.Len(t, tpl.ContextKeywords, 3)
	assert.Equal(t, "US_SOCIAL_SECURITY_NUMBER", tpl.ContextKeywords[0].PIIType)
	assert.Equal(t, "PHONE_NUMBER", tpl.ContextKeywords[1].PIIType)
	assert.Equal(t, "MEMBER_ID", tpl.ContextKeywords[2].PIIType)
	assert.Equal(t, []string{"social security", "ssn"}, tpl.ContextKeywords[0].Keywords)
}

func TestMatchFirstRuleWins(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "p")
	require.NoError(t, err)

	// Both the SSN rule and the phone rule could fire; document order decides.
	piiType, ok := tpl.ContextKeywords.Match("Please confirm your SSN and your phone number")
	require.True(t, ok)
	assert.Equal(t, "US_SOCIAL_SECURITY_NUMBER", piiType)
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "p")
	require.NoError(t, err)

	piiType, ok := tpl.ContextKeywords.Match("What is the best PHONE NUMBER for you?")
	require.True(t, ok)
	assert.Equal(t, "PHONE_NUMBER", piiType)
}

func TestMatchNoKeyword(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "p")
	require.NoError(t, err)

	_, ok := tpl.ContextKeywords.Match("How is the weather today?")
	assert.False(t, ok)
}

func TestCustomInfoTypeLookup(t *testing.T) {
	tpl, err := Parse([]byte(sampleDoc), "p")
	require.NoError(t, err)

	cit, ok := tpl.CustomInfoType("MEMBER_ID")
	require.True(t, ok)
	assert.Equal(t, "MEMBER_ID", cit.InfoType.Name)
	require.NotNil(t, cit.Regex)
	assert.Equal(t, `\b[A-Z]{2}\d{8}\b`, cit.Regex.Pattern)

	_, ok = tpl.CustomInfoType("EMAIL_ADDRESS")
	assert.False(t, ok, "built-in types are not custom declarations")
}

func TestParseRejectsNonMappingKeywords(t *testing.T) {
	_, err := Parse([]byte("context_keywords:\n  - ssn\n"), "p")
	require.Error(t, err)
}
