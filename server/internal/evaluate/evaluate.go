// Package evaluate 实现离散题型（选择/填空/简答）的本地评测。
//
// 相似度是刻意近似的启发式（固定 0.88 的包含加成、对称长度归一的
// 词重叠比例），不是经过校准的编辑距离指标。阈值与加成值的选取只
// 保证"等价答案得满分、近似答案过线、无关答案不过线"。
package evaluate

import (
	"math"
	"strings"
	"unicode"
)

const (
	// nearMatchSimilarity 是包含关系或缩合等价时的固定高置信相似度。
	nearMatchSimilarity = 0.88
	// correctThreshold 是判定正确的相似度下限（不含）。
	correctThreshold = 0.65
	// passingFloor 是判定正确后的最低得分，避免"踩线正确"落入不及格分段。
	passingFloor = 70
)

// Result 是一次离散题评测的结果。
type Result struct {
	Similarity float64 `json:"similarity"`
	IsCorrect  bool    `json:"is_correct"`
	Score      int     `json:"score"`
}

// Evaluate 比较学习者答案与参考答案。
// 归一化后：完全相等相似度为 1.0；一方包含另一方、或两者仅差在
// 常见缩合形式（I'm/I am 等）时为 0.88；否则取词重叠数除以两侧
// 较大的词数（对称长度归一）。
func Evaluate(userAnswer, referenceAnswer string) Result {
	user := normalize(userAnswer)
	ref := normalize(referenceAnswer)

	similarity := similarityOf(user, ref)
	isCorrect := similarity > correctThreshold

	score := int(math.Round(similarity * 100))
	if isCorrect && score < passingFloor {
		score = passingFloor
	}

	return Result{Similarity: similarity, IsCorrect: isCorrect, Score: score}
}

// EvaluateChoice 评测选择题：与参考选项逐字相等得 100，否则 0。
// 不走相似度计算。
func EvaluateChoice(choice, reference string) Result {
	if choice == reference {
		return Result{Similarity: 1.0, IsCorrect: true, Score: 100}
	}
	return Result{Similarity: 0, IsCorrect: false, Score: 0}
}

func similarityOf(user, ref string) float64 {
	if user == ref {
		return 1.0
	}
	if user == "" || ref == "" {
		return 0
	}
	if strings.Contains(user, ref) || strings.Contains(ref, user) ||
		expandContractions(user) == expandContractions(ref) {
		return nearMatchSimilarity
	}

	userTokens := strings.Fields(user)
	refTokens := strings.Fields(ref)
	refSet := make(map[string]struct{}, len(refTokens))
	for _, tok := range refTokens {
		refSet[tok] = struct{}{}
	}

	matched := 0
	for _, tok := range userTokens {
		if _, ok := refSet[tok]; ok {
			matched++
		}
	}

	longer := len(userTokens)
	if len(refTokens) > longer {
		longer = len(refTokens)
	}
	if longer == 0 {
		return 0
	}
	return float64(matched) / float64(longer)
}

// normalize 去首尾空白、转小写、去标点，并把连续空白折叠为单个空格。
func normalize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// contractionForms 把去掉撇号后的常见缩合词映射到展开形式。
// 只收录不与真实单词冲突的条目（ill/id/its/were 等故意排除）。
var contractionForms = map[string]string{
	"im":      "i am",
	"ive":     "i have",
	"dont":    "do not",
	"doesnt":  "does not",
	"didnt":   "did not",
	"isnt":    "is not",
	"arent":   "are not",
	"wasnt":   "was not",
	"werent":  "were not",
	"wont":    "will not",
	"youre":   "you are",
	"youve":   "you have",
	"theyre":  "they are",
	"theyve":  "they have",
	"couldnt": "could not",
	"wouldnt": "would not",
	"havent":  "have not",
	"hasnt":   "has not",
}

// expandContractions 把归一化文本中的缩合词展开，用于缩合等价比较。
func expandContractions(s string) string {
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if full, ok := contractionForms[tok]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}
