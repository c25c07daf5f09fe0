package session

// RoundController 跟踪当前轮数与轮数上限。
// 一轮 = 一次 AI 发言 + 一次用户发言；每产生一次完整的 AI 回复计一轮。
// MaxRounds 在会话初始化时固定，中途不再改变。
type RoundController struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func NewRoundController(maxRounds int) RoundController {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return RoundController{Current: 0, Max: maxRounds}
}

// ShouldAcceptTurn 判断是否还能接受新的轮次。会话完成后恒为 false。
func (r *RoundController) ShouldAcceptTurn() bool {
	return !r.IsComplete()
}

// RecordRoundCompletion 计入一次完成的 AI 回复。
// Current 单调递增且不会超过 Max。
func (r *RoundController) RecordRoundCompletion() {
	if r.Current < r.Max {
		r.Current++
	}
}

// IsComplete 判断会话是否已达到轮数上限。
func (r *RoundController) IsComplete() bool {
	return r.Current >= r.Max
}
