package model

import "time"

// Speaker 标识一个 Turn 的说话方。
type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// Turn 表示对话中的一个轮次。一旦写入 Transcript 即不可变。
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	AudioID string    `json:"audio_id,omitempty"`
	TS      time.Time `json:"ts"`
}

// Role 描述一个可选择的对话角色。
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TopicAnalysis 是题目分析的结果：场景、候选角色与对话目标。
type TopicAnalysis struct {
	SceneType        string   `json:"scene_type"`
	SceneDescription string   `json:"scene_description,omitempty"`
	AIRole           Role     `json:"ai_role"`
	UserRoles        []Role   `json:"user_roles"`
	DialogueGoal     string   `json:"dialogue_goal"`
	SuggestedTopics  []string `json:"suggested_topics,omitempty"`
}

// Dimension 是对话评测的一个评分维度。
type Dimension string

const (
	DimContent       Dimension = "content"
	DimGrammar       Dimension = "grammar"
	DimVocabulary    Dimension = "vocabulary"
	DimPronunciation Dimension = "pronunciation"
	DimFluency       Dimension = "fluency"
)

// Dimensions 按固定顺序列出全部五个维度。
var Dimensions = []Dimension{
	DimContent, DimGrammar, DimVocabulary, DimPronunciation, DimFluency,
}

// DimensionScore 是单个维度的得分（0-100）与说明。
type DimensionScore struct {
	Dimension Dimension `json:"dimension"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
}

// AnalysisReport 是一次完整对话的评测报告。
// OverallScore 恒等于五个维度得分的四舍五入平均值。
type AnalysisReport struct {
	OverallScore int              `json:"overall_score"`
	Dimensions   []DimensionScore `json:"dimensions"`
	Suggestions  []string         `json:"suggestions"`
	// ConversationFlow 是对整体表现的简要文字描述。
	ConversationFlow string `json:"conversation_flow,omitempty"`
	Transcript       []Turn `json:"transcript"`
	RoundCount       int    `json:"round_count"`
	// PronunciationEstimated 表示发音分缺少音频证据、仅由文本推断。
	PronunciationEstimated bool `json:"pronunciation_estimated"`
	// Fallback 表示外部评分失败，报告来自本地兜底数据。
	Fallback bool `json:"fallback,omitempty"`
}

// DimensionScoreOf 按维度名取出报告中的得分；不存在时返回 false。
func (r *AnalysisReport) DimensionScoreOf(d Dimension) (DimensionScore, bool) {
	for _, ds := range r.Dimensions {
		if ds.Dimension == d {
			return ds, true
		}
	}
	return DimensionScore{}, false
}

// TurnResponse 是一次 AI 回复的对外表示（开场或续写）。
type TurnResponse struct {
	Message string `json:"message"`
	AudioID string `json:"audio_id,omitempty"`
	Round   int    `json:"round"`
	IsEnd   bool   `json:"is_end"`
}
