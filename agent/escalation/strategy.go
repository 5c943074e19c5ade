package escalation

import "strings"

// Domain 是任务的领域，用于选择策略目录.
type Domain string

const (
	DomainSearch  Domain = "search"
	DomainCode    Domain = "code"
	DomainGeneral Domain = "general"
)

// LookupApproach 元素定位方式.
type LookupApproach string

const (
	LookupCSSSelector   LookupApproach = "css_selector"
	LookupTextMatch     LookupApproach = "text_match"
	LookupAccessibility LookupApproach = "accessibility_tree"
	LookupVision        LookupApproach = "vision_coordinates"
)

// PromptVariant 提示变体.
type PromptVariant string

const (
	VariantStandard    PromptVariant = "standard"
	VariantAlternative PromptVariant = "alternative"
	VariantReasoning   PromptVariant = "reasoning_with_history"
)

// Strategy 是模型、元素定位方式与提示变体的命名组合.
type Strategy struct {
	Name    string         `json:"name"`
	Model   string         `json:"model"`
	Lookup  LookupApproach `json:"lookup"`
	Variant PromptVariant  `json:"prompt_variant"`
	// Avoid 是 alternative 变体需要规避的上一次失败特征。
	Avoid string `json:"avoid,omitempty"`
	// History 是 reasoning 变体附带的尝试历史摘要。
	History string `json:"history,omitempty"`
}

// Models 为各角色指定模型标识.
type Models struct {
	Primary   string `yaml:"primary" env:"PRIMARY" json:"primary"`
	Alternate string `yaml:"alternate" env:"ALTERNATE" json:"alternate"`
	Code      string `yaml:"code" env:"CODE" json:"code"`
	Vision    string `yaml:"vision" env:"VISION" json:"vision"`
	Reasoning string `yaml:"reasoning" env:"REASONING" json:"reasoning"`
}

// DefaultModels 返回默认模型分配.
func DefaultModels() Models {
	return Models{
		Primary:   "gpt-4o",
		Alternate: "gpt-4o-mini",
		Code:      "gpt-4.1",
		Vision:    "gpt-4o",
		Reasoning: "o3-mini",
	}
}

func (m Models) withDefaults() Models {
	d := DefaultModels()
	if m.Primary == "" {
		m.Primary = d.Primary
	}
	if m.Alternate == "" {
		m.Alternate = d.Alternate
	}
	if m.Code == "" {
		m.Code = d.Code
	}
	if m.Vision == "" {
		m.Vision = d.Vision
	}
	if m.Reasoning == "" {
		m.Reasoning = d.Reasoning
	}
	return m
}

var domainKeywords = []struct {
	domain   Domain
	keywords []string
}{
	{DomainCode, []string{"code", "github", "gitlab", "repository", "repo", "commit", "pull request", "merge request", "script", "compile", "deploy", "api key"}},
	{DomainSearch, []string{"search", "find", "look up", "lookup", "query", "google", "browse for", "compare prices", "research"}},
}

// DetectDomain 按关键词从任务描述推断领域；code 优先于 search。
func DetectDomain(description string) Domain {
	lower := strings.ToLower(description)
	for _, d := range domainKeywords {
		for _, kw := range d.keywords {
			if strings.Contains(lower, kw) {
				return d.domain
			}
		}
	}
	return DomainGeneral
}

// Baseline 是第 0 次尝试使用的通用策略.
func Baseline(m Models) Strategy {
	m = m.withDefaults()
	return Strategy{Name: "baseline", Model: m.Primary, Lookup: LookupCSSSelector, Variant: VariantStandard}
}

// Catalog 返回某领域的有序策略目录，首项为领域最优策略。
// reasoning 策略不在目录中，由 ReasoningStrategy 单独构造。
func Catalog(domain Domain, m Models) []Strategy {
	m = m.withDefaults()
	vision := Strategy{Name: "vision_fallback", Model: m.Vision, Lookup: LookupVision, Variant: VariantStandard}
	switch domain {
	case DomainSearch:
		return []Strategy{
			{Name: "search_optimized", Model: m.Primary, Lookup: LookupTextMatch, Variant: VariantStandard},
			{Name: "search_dom_walk", Model: m.Alternate, Lookup: LookupAccessibility, Variant: VariantStandard},
			vision,
		}
	case DomainCode:
		return []Strategy{
			{Name: "code_optimized", Model: m.Code, Lookup: LookupCSSSelector, Variant: VariantStandard},
			{Name: "code_dom_inspection", Model: m.Alternate, Lookup: LookupAccessibility, Variant: VariantStandard},
			vision,
		}
	default:
		return []Strategy{
			{Name: "general_purpose", Model: m.Primary, Lookup: LookupAccessibility, Variant: VariantStandard},
			{Name: "text_navigation", Model: m.Alternate, Lookup: LookupTextMatch, Variant: VariantStandard},
			vision,
		}
	}
}

// ReasoningStrategy 返回带历史自我纠错的推理策略.
func ReasoningStrategy(m Models) Strategy {
	m = m.withDefaults()
	return Strategy{Name: "reasoning_with_history", Model: m.Reasoning, Lookup: LookupAccessibility, Variant: VariantReasoning}
}
