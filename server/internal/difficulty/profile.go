package difficulty

import "fmt"

// Tier 是难度等级的闭合枚举。
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

// Profile 将难度等级映射为生成参数：词汇复杂度、语速提示与文体范围。
// 会话配置时只读加载，之后不再变化。
type Profile struct {
	Tier Tier
	// Label 是提示词中使用的英文等级名。
	Label string
	// Vocabulary 描述该等级的词汇复杂度。
	Vocabulary string
	// Register 描述允许的文体范围。
	Register string
	// SpeechRate 是语音合成的 SSML prosody rate 值。
	SpeechRate float64
	// WordsPerMinute 是语速参考值。
	WordsPerMinute int
	// Constraint 是注入提示词的风格约束行。
	Constraint string
}

// 三档语速参考：入门 150 WPM，标准 160，挑战 180。
var profiles = map[Tier]Profile{
	TierEasy: {
		Tier:           TierEasy,
		Label:          "Beginner",
		Vocabulary:     "基础词汇，常用词",
		Register:       "中性、直白",
		SpeechRate:     1.0,
		WordsPerMinute: 150,
		Constraint:     "使用简单句子，基础词汇，避免俚语和复合句",
	},
	TierMedium: {
		Tier:           TierMedium,
		Label:          "Intermediate",
		Vocabulary:     "日常词汇，适量习语",
		Register:       "自然口语",
		SpeechRate:     1.15,
		WordsPerMinute: 160,
		Constraint:     "使用复合句，自然表达，适量习语",
	},
	TierHard: {
		Tier:           TierHard,
		Label:          "Advanced",
		Vocabulary:     "高级词汇，地道俚语",
		Register:       "非正式、含蓄",
		SpeechRate:     1.3,
		WordsPerMinute: 180,
		Constraint:     "使用复杂句式，地道俚语，隐含意图/幽默",
	},
}

// Parse 把外部传入的字符串解析为 Tier。
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case TierEasy, TierMedium, TierHard:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown difficulty tier: %q", s)
}

// ProfileOf 返回某个等级的生成参数。未知等级兜底为 easy，
// 保证调用方永远拿到一份可用的配置。
func ProfileOf(t Tier) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[TierEasy]
}

// ConstraintBlock 返回提示词中完整的难度约束段落。
// 三档约束都会列出，当前档位由 Label 指明，便于模型对齐风格。
func ConstraintBlock() string {
	return "- Beginner：" + profiles[TierEasy].Constraint + "\n" +
		"- Intermediate：" + profiles[TierMedium].Constraint + "\n" +
		"- Advanced：" + profiles[TierHard].Constraint
}
