package prompt

import (
	"fmt"
	"strings"

	"scene-talk/server/internal/difficulty"
	"scene-talk/server/internal/llm"
	"scene-talk/server/internal/model"
)

// Kind 标识一次提示词的用途。
type Kind string

const (
	KindOpening              Kind = "opening"
	KindContinuation         Kind = "continuation"
	KindTopicAnalysis        Kind = "topic_analysis"
	KindConversationAnalysis Kind = "conversation_analysis"
)

// Request 是一次组装完成的提示词请求。构造后不再修改。
type Request struct {
	Kind     Kind
	Messages []llm.Message
}

// Composer 负责把场景、角色、目标与难度组装成提示词。
type Composer struct {
	// historyWindow 是续写时保留的最近轮次数；目标陈述始终保留在头部。
	historyWindow int
}

func NewComposer(historyWindow int) *Composer {
	if historyWindow <= 0 {
		historyWindow = 12
	}
	return &Composer{historyWindow: historyWindow}
}

// ComposeOpening 组装开场白生成的提示词。
// 约束：输出必须绑定 aiRole 的身份，禁止扮演 userRole；只输出 1-2 句纯英文。
func (c *Composer) ComposeOpening(scene, aiRole, userRole, goal string, tier difficulty.Tier) Request {
	prof := difficulty.ProfileOf(tier)

	var sb strings.Builder
	sb.WriteString("【角色设定】\n")
	fmt.Fprintf(&sb, "你是%s，在%s场景中。用户是%s。\n\n", aiRole, scene, userRole)
	sb.WriteString("【对话目标】\n")
	sb.WriteString(goal)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "【难度等级】%s\n", prof.Label)
	sb.WriteString(difficulty.ConstraintBlock())
	sb.WriteString("\n\n【任务】\n")
	fmt.Fprintf(&sb, "作为%s，生成一句友好、自然的英文开场白，邀请用户（%s）回应。保持简短（1-2句话）。\n\n", aiRole, userRole)
	sb.WriteString("【重要要求】\n")
	fmt.Fprintf(&sb, "1. 你必须始终以%s的身份说话，不要扮演%s或其他角色\n", aiRole, userRole)
	fmt.Fprintf(&sb, "2. 从%s的视角出发，自然地开始对话\n", aiRole)
	sb.WriteString("3. 直接输出英文回复，不要思考过程、解释或其他内容\n")
	sb.WriteString("4. 不要包含任何中文\n")
	sb.WriteString("5. 只返回完整的纯英文句子\n\n")
	sb.WriteString("【输出格式示例】\nHello! Nice to meet you.\n\n")
	fmt.Fprintf(&sb, "现在，作为%s，请直接输出你的英文开场白：", aiRole)

	return Request{
		Kind: KindOpening,
		Messages: []llm.Message{
			{Role: "system", Content: sb.String()},
			// 部分模型要求至少一条 user 消息。
			{Role: "user", Content: "请开始对话。"},
		},
	}
}

// ComposeContinuation 组装续写提示词。
// 完整轮次历史会按角色名线性化进提示词；过长时仅保留最近 historyWindow 轮，
// 目标陈述始终保留。
func (c *Composer) ComposeContinuation(scene, aiRole, userRole, goal string, tier difficulty.Tier, transcript []model.Turn) Request {
	prof := difficulty.ProfileOf(tier)
	window := transcript
	if len(window) > c.historyWindow {
		window = window[len(window)-c.historyWindow:]
	}

	var sb strings.Builder
	sb.WriteString("【角色设定】\n")
	fmt.Fprintf(&sb, "你是%s，在%s场景中。用户是%s。\n\n", aiRole, scene, userRole)
	sb.WriteString("【对话目标】\n")
	sb.WriteString(goal)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "【难度等级】%s\n", prof.Label)
	sb.WriteString(difficulty.ConstraintBlock())
	sb.WriteString("\n\n【对话历史】\n")
	for _, turn := range window {
		label := userRole
		if turn.Speaker == model.SpeakerAssistant {
			label = aiRole
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, turn.Text)
	}
	sb.WriteString("\n【任务】\n")
	fmt.Fprintf(&sb, "以%s的身份，根据对话历史自然回应。保持简短（1-2句话）。\n\n", aiRole)
	sb.WriteString("【重要要求】\n")
	fmt.Fprintf(&sb, "1. 你必须始终以%s的身份说话，不要切换到%s或其他角色\n", aiRole, userRole)
	sb.WriteString("2. 只返回英文回复，不要包含任何中文\n")
	sb.WriteString("3. 不要包含思考过程、解释或其他内容\n")
	fmt.Fprintf(&sb, "4. 确保回复是完整的句子，符合%s的身份和对话上下文\n\n", aiRole)
	sb.WriteString("【输出格式示例】\nThat sounds great! I would love to hear more about it.\n\n")
	fmt.Fprintf(&sb, "现在，作为%s，请直接输出你的英文回应：", aiRole)

	return Request{
		Kind: KindContinuation,
		Messages: []llm.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: "请根据以上对话历史，继续对话。"},
		},
	}
}

// ComposeTopicAnalysis 组装题目分析提示词：从测试题目中提取场景、角色与对话目标。
func (c *Composer) ComposeTopicAnalysis(topic string) Request {
	system := `你是一位英语学习助手。请分析以下测试题目并提取：
1. 场景：对话发生的地点（必须用中文回答）
2. 角色：对话参与者（必须用中文回答，作为列表，第一个为AI扮演的角色）
3. 对话目标：对话的主题（必须用中文回答）
4. 建议话题：2-3个可展开的讨论方向

重要要求：
- 所有输出必须使用中文，即使是英文题目也要翻译成中文
- 角色名称要使用中文表达（如：顾客、服务员、医生、患者等）
- 场景名称要使用中文表达（如：餐厅、医院、酒店等）

仅以JSON格式输出，不要包含任何其他文字：
{
  "scene": "餐厅",
  "scene_description": "一家普通的西餐厅",
  "roles": ["服务员", "顾客"],
  "dialogue_goal": "顾客向服务员点餐",
  "suggested_topics": ["推荐菜品", "饮品选择"]
}`

	return Request{
		Kind: KindTopicAnalysis,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: topic},
		},
	}
}

// ComposeConversationAnalysis 组装对话评测提示词：五维评分 + 建议 + 流程分析。
func (c *Composer) ComposeConversationAnalysis(transcript []model.Turn, rounds int) Request {
	system := `你是一位专业的英语口语评测专家。请分析以下英语对话，并给出详细的评测报告。

请从以下几个维度进行评分（0-100分）：
1. 内容完整性：对话内容是否完整、恰当
2. 语法正确性：语法错误数量和严重程度
3. 词汇丰富度：词汇使用的多样性和准确性
4. 发音准确性：基于文本推断的发音准确度
5. 对话流畅度：对话的自然程度和连贯性

同时请提供：
1. 总体评分（0-100分）
2. 改进建议（3-5条具体建议）
3. 对话流程分析（简要描述对话的整体表现）

请以JSON格式输出结果：
{
  "overallScore": 85,
  "dimensions": {
    "content": 88,
    "grammar": 82,
    "vocabulary": 80,
    "pronunciation": 85,
    "fluency": 84
  },
  "suggestions": ["建议1", "建议2", "建议3"],
  "conversationFlow": "对话整体流畅，能够基本表达意图..."
}`

	var sb strings.Builder
	fmt.Fprintf(&sb, "请分析以下对话（共%d轮）：\n\n", rounds)
	for _, turn := range transcript {
		label := "用户"
		if turn.Speaker == model.SpeakerAssistant {
			label = "AI"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, turn.Text)
	}

	return Request{
		Kind: KindConversationAnalysis,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: sb.String()},
		},
	}
}
