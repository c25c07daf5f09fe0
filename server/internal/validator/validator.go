package validator

import (
	"strings"
	"unicode"
)

// 校验失败原因的固定标识，便于观测统计。
const (
	ViolationEmpty         = "empty_reply"
	ViolationLanguage      = "contains_disallowed_language"
	ViolationRoleIndicator = "uses_forbidden_role_vocabulary"
)

// Result 是一次回复校验的结构化结果。
type Result struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// Validator 对生成的回复做角色一致性与目标语言检查。
// 这是启发式检查，不提供语义保证；校验失败不做自动修正，
// 由调用方决定重新生成或替换兜底台词。
type Validator struct {
	// forbiddenTerms 按 "AI角色/用户角色" 的键给出 AI 回复中不应出现的词。
	forbiddenTerms map[string][]string
}

func New(forbiddenTerms map[string][]string) *Validator {
	return &Validator{forbiddenTerms: forbiddenTerms}
}

// Validate 按顺序检查：非空 → 目标语言字符集 → 角色指示词。
// 所有违规一次性收集返回，而不是在第一条失败处短路。
func (v *Validator) Validate(text, aiRole, userRole string) Result {
	var violations []string

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Valid: false, Violations: []string{ViolationEmpty}}
	}

	if containsDisallowedScript(trimmed) {
		violations = append(violations, ViolationLanguage)
	}

	if v.containsForbiddenTerm(trimmed, aiRole, userRole) {
		violations = append(violations, ViolationRoleIndicator)
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

// containsDisallowedScript 检查是否出现目标语言之外的文字。
// 英文练习里放行带重音的拉丁字母与弯引号等标点，
// 拒绝汉字、假名、谚文与西里尔字母。
func containsDisallowedScript(text string) bool {
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r),
			unicode.Is(unicode.Hiragana, r),
			unicode.Is(unicode.Katakana, r),
			unicode.Is(unicode.Hangul, r),
			unicode.Is(unicode.Cyrillic, r):
			return true
		}
	}
	return false
}

func (v *Validator) containsForbiddenTerm(text, aiRole, userRole string) bool {
	terms := v.forbiddenTerms[aiRole+"/"+userRole]
	if len(terms) == 0 {
		return false
	}

	lower := strings.ToLower(text)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
