package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"scene-talk/server/internal/llm"
	"scene-talk/server/internal/model"
	"scene-talk/server/internal/prompt"
)

// maxSuggestions 限制报告中的改进建议条数。
const maxSuggestions = 5

// 兜底报告的固定取值：外部评分不可用时保证 UI 仍能拿到结构完整的报告。
const (
	fallbackContent       = 82
	fallbackGrammar       = 75
	fallbackVocabulary    = 70
	fallbackPronunciation = 85
	fallbackFluency       = 76
)

var fallbackSuggestions = []string{
	"注意动词时态的正确使用",
	"尝试使用更多连接词使对话更流畅",
	"扩充词汇量，使用更丰富的表达方式",
	"注意发音的准确性，特别是元音发音",
	"练习更自然的对话节奏和语调",
}

const fallbackFlow = "对话整体流畅，能够基本表达自己的想法，但在某些话题上可以更深入展开。" +
	"建议增加对话的互动性，主动提问和回应对方的问题。"

// Analyzer 消费完整 Transcript，产出五维评分报告。
// 对调用方的契约：Analyze 永远不返回错误——外部评分失败时
// 本地构造确定性的兜底报告，UI 不会拿不到报告。
type Analyzer struct {
	llmClient llm.Client
	composer  *prompt.Composer
	timeout   time.Duration
}

func New(llmClient llm.Client, composer *prompt.Composer, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{llmClient: llmClient, composer: composer, timeout: timeout}
}

// Analyze 评测一次完整对话。
func (a *Analyzer) Analyze(ctx context.Context, transcript []model.Turn, rounds int) *model.AnalysisReport {
	report, err := a.analyzeLLM(ctx, transcript, rounds)
	if err != nil {
		log.Printf("[对话分析] 外部评分失败，使用兜底报告: %v", err)
		return a.fallbackReport(transcript, rounds)
	}
	return report
}

// llmAnalysis 是评分模型约定的 JSON 输出结构。
// Dimensions 用指针区分"缺失"和"全零"：缺失的维度对象是结构不完整，
// 必须走兜底，不能解析成五个零分下发给学习者。
type llmAnalysis struct {
	OverallScore int `json:"overallScore"`
	Dimensions   *struct {
		Content       int `json:"content"`
		Grammar       int `json:"grammar"`
		Vocabulary    int `json:"vocabulary"`
		Pronunciation int `json:"pronunciation"`
		Fluency       int `json:"fluency"`
	} `json:"dimensions"`
	Suggestions      []string `json:"suggestions"`
	ConversationFlow string   `json:"conversationFlow"`
}

func (a *Analyzer) analyzeLLM(ctx context.Context, transcript []model.Turn, rounds int) (*model.AnalysisReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := a.composer.ComposeConversationAnalysis(transcript, rounds)
	raw, err := a.llmClient.Complete(ctx, req.Messages, nil)
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}

	blob, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil, fmt.Errorf("parse analysis result: %w", err)
	}
	if parsed.OverallScore == 0 || parsed.Dimensions == nil || len(parsed.Suggestions) == 0 {
		return nil, fmt.Errorf("analysis result missing required fields")
	}

	dims := []model.DimensionScore{
		{Dimension: model.DimContent, Score: clampScore(parsed.Dimensions.Content)},
		{Dimension: model.DimGrammar, Score: clampScore(parsed.Dimensions.Grammar)},
		{Dimension: model.DimVocabulary, Score: clampScore(parsed.Dimensions.Vocabulary)},
		{Dimension: model.DimPronunciation, Score: clampScore(parsed.Dimensions.Pronunciation)},
		{Dimension: model.DimFluency, Score: clampScore(parsed.Dimensions.Fluency)},
	}

	suggestions := parsed.Suggestions
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}

	return &model.AnalysisReport{
		// 总分不信任模型输出，始终按五维均值重算。
		OverallScore:           aggregate(dims),
		Dimensions:             dims,
		Suggestions:            suggestions,
		ConversationFlow:       parsed.ConversationFlow,
		Transcript:             transcript,
		RoundCount:             rounds,
		PronunciationEstimated: !hasAudioEvidence(transcript),
	}, nil
}

// fallbackReport 构造确定性的本地报告。
// 发音分在兜底路径下必然没有音频证据，恒标记为推断值。
func (a *Analyzer) fallbackReport(transcript []model.Turn, rounds int) *model.AnalysisReport {
	dims := []model.DimensionScore{
		{Dimension: model.DimContent, Score: fallbackContent},
		{Dimension: model.DimGrammar, Score: fallbackGrammar},
		{Dimension: model.DimVocabulary, Score: fallbackVocabulary},
		{Dimension: model.DimPronunciation, Score: fallbackPronunciation},
		{Dimension: model.DimFluency, Score: fallbackFluency},
	}

	return &model.AnalysisReport{
		OverallScore:           aggregate(dims),
		Dimensions:             dims,
		Suggestions:            append([]string(nil), fallbackSuggestions...),
		ConversationFlow:       fallbackFlow,
		Transcript:             transcript,
		RoundCount:             rounds,
		PronunciationEstimated: true,
		Fallback:               true,
	}
}

// aggregate 返回五个维度得分的四舍五入平均值。
func aggregate(dims []model.DimensionScore) int {
	if len(dims) == 0 {
		return 0
	}
	sum := 0
	for _, d := range dims {
		sum += d.Score
	}
	return int(math.Round(float64(sum) / float64(len(dims))))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// hasAudioEvidence 只看用户轮次：assistant 轮次上挂的是合成语音，
// 不构成学习者发音的证据。
func hasAudioEvidence(transcript []model.Turn) bool {
	for _, turn := range transcript {
		if turn.Speaker == model.SpeakerUser && turn.AudioID != "" {
			return true
		}
	}
	return false
}

// extractJSON 从模型输出中截取 JSON 块：取第一个 '{' 到最后一个 '}'。
// 模型偶尔会在 JSON 前后加说明文字，这里做宽松截取。
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in analysis output")
	}
	return raw[start : end+1], nil
}
