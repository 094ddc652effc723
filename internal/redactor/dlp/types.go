package dlp

// Wire types for the detection engine's content:deidentify surface. JSON tags
// follow the engine's camelCase REST shape; YAML tags follow the snake_case
// template file loaded at startup (configs/detection_templates.yaml).

// Likelihood buckets recognised by the engine.
const (
	LikelihoodLikely     = "LIKELY"
	LikelihoodVeryLikely = "VERY_LIKELY"
)

// ContentItem is the unit of text sent for inspection and returned redacted.
type ContentItem struct {
	Value string `json:"value"`
}

// InfoType names a class of PII (built-in or custom).
type InfoType struct {
	Name string `json:"name" yaml:"name"`
}

// Regex is a pattern used by custom info types and hotword rules.
type Regex struct {
	Pattern string `json:"pattern" yaml:"pattern"`
}

// CustomInfoType declares a caller-defined detector.
type CustomInfoType struct {
	InfoType   InfoType `json:"infoType" yaml:"info_type"`
	Regex      *Regex   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Likelihood string   `json:"likelihood,omitempty" yaml:"likelihood,omitempty"`
}

// Proximity is the character window around a finding in which a hotword
// pattern counts.
type Proximity struct {
	WindowBefore int `json:"windowBefore,omitempty" yaml:"window_before,omitempty"`
	WindowAfter  int `json:"windowAfter,omitempty" yaml:"window_after,omitempty"`
}

// LikelihoodAdjustment pins or shifts the likelihood of findings matched by
// a rule.
type LikelihoodAdjustment struct {
	FixedLikelihood string `json:"fixedLikelihood,omitempty" yaml:"fixed_likelihood,omitempty"`
}

// HotwordRule boosts likelihood when a regex appears near a candidate finding.
type HotwordRule struct {
	HotwordRegex         Regex                `json:"hotwordRegex" yaml:"hotword_regex"`
	Proximity            Proximity            `json:"proximity" yaml:"proximity"`
	LikelihoodAdjustment LikelihoodAdjustment `json:"likelihoodAdjustment" yaml:"likelihood_adjustment"`
}

// InspectionRule wraps the rule variants; only hotword rules are used here.
type InspectionRule struct {
	HotwordRule *HotwordRule `json:"hotwordRule,omitempty" yaml:"hotword_rule,omitempty"`
}

// InspectionRuleSet applies rules to a set of info types.
type InspectionRuleSet struct {
	InfoTypes []InfoType       `json:"infoTypes" yaml:"info_types"`
	Rules     []InspectionRule `json:"rules" yaml:"rules"`
}

// InspectConfig tells the engine what to look for and how sensitive to be.
type InspectConfig struct {
	InfoTypes       []InfoType          `json:"infoTypes,omitempty" yaml:"info_types,omitempty"`
	CustomInfoTypes []CustomInfoType    `json:"customInfoTypes,omitempty" yaml:"custom_info_types,omitempty"`
	MinLikelihood   string              `json:"minLikelihood,omitempty" yaml:"min_likelihood,omitempty"`
	RuleSet         []InspectionRuleSet `json:"ruleSet,omitempty" yaml:"rule_set,omitempty"`
}

// Clone returns a deep copy so per-request dynamic adjustments never mutate
// the immutable startup configuration.
func (c InspectConfig) Clone() InspectConfig {
	out := InspectConfig{MinLikelihood: c.MinLikelihood}
	out.InfoTypes = append([]InfoType(nil), c.InfoTypes...)
	out.CustomInfoTypes = append([]CustomInfoType(nil), c.CustomInfoTypes...)
	for _, rs := range c.RuleSet {
		out.RuleSet = append(out.RuleSet, InspectionRuleSet{
			InfoTypes: append([]InfoType(nil), rs.InfoTypes...),
			Rules:     append([]InspectionRule(nil), rs.Rules...),
		})
	}
	return out
}

// ReplaceWithInfoTypeConfig replaces each finding with its infoType name.
type ReplaceWithInfoTypeConfig struct{}

// PrimitiveTransformation holds the transformation variants; only
// replace-with-info-type is used here.
type PrimitiveTransformation struct {
	ReplaceWithInfoTypeConfig *ReplaceWithInfoTypeConfig `json:"replaceWithInfoTypeConfig,omitempty" yaml:"replace_with_info_type_config,omitempty"`
}

// Transformation is one entry of an info-type transformation list.
type Transformation struct {
	PrimitiveTransformation PrimitiveTransformation `json:"primitiveTransformation" yaml:"primitive_transformation"`
}

// InfoTypeTransformations groups transformations applied per info type.
type InfoTypeTransformations struct {
	Transformations []Transformation `json:"transformations" yaml:"transformations"`
}

// DeidentifyConfig tells the engine how to transform findings.
type DeidentifyConfig struct {
	InfoTypeTransformations *InfoTypeTransformations `json:"infoTypeTransformations,omitempty" yaml:"info_type_transformations,omitempty"`
}

// DefaultDeidentifyConfig replaces every finding with its infoType tag.
func DefaultDeidentifyConfig() *DeidentifyConfig {
	return &DeidentifyConfig{
		InfoTypeTransformations: &InfoTypeTransformations{
			Transformations: []Transformation{
				{PrimitiveTransformation: PrimitiveTransformation{
					ReplaceWithInfoTypeConfig: &ReplaceWithInfoTypeConfig{},
				}},
			},
		},
	}
}

// DeidentifyRequest is the body of a content:deidentify call. Parent is the
// scope path "projects/<project>/locations/<region>" and travels in the URL,
// not the body.
type DeidentifyRequest struct {
	Parent                 string            `json:"-"`
	Item                   ContentItem       `json:"item"`
	InspectConfig          *InspectConfig    `json:"inspectConfig,omitempty"`
	InspectTemplateName    string            `json:"inspectTemplateName,omitempty"`
	DeidentifyConfig       *DeidentifyConfig `json:"deidentifyConfig,omitempty"`
	DeidentifyTemplateName string            `json:"deidentifyTemplateName,omitempty"`
}

// DeidentifyResponse carries the redacted item.
type DeidentifyResponse struct {
	Item ContentItem `json:"item"`
}
