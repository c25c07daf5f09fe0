package session

import (
	"fmt"

	"scene-talk/server/internal/model"
)

// Transcript 是一次会话的只追加轮次记录。
// 不变式：说话方严格交替，且首条轮次必须来自 assistant。
type Transcript struct {
	turns []model.Turn
}

// Append 追加一条轮次。违反交替不变式时返回错误且不修改记录。
func (t *Transcript) Append(turn model.Turn) error {
	if len(t.turns) == 0 {
		if turn.Speaker != model.SpeakerAssistant {
			return fmt.Errorf("transcript must open with an assistant turn, got %q", turn.Speaker)
		}
	} else if t.turns[len(t.turns)-1].Speaker == turn.Speaker {
		return fmt.Errorf("consecutive %q turns are not allowed", turn.Speaker)
	}

	t.turns = append(t.turns, turn)
	return nil
}

// Len 返回已记录的轮次数。
func (t *Transcript) Len() int {
	return len(t.turns)
}

// Last 返回最近一条轮次；为空时返回 false。
func (t *Transcript) Last() (model.Turn, bool) {
	if len(t.turns) == 0 {
		return model.Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// Turns 返回全部轮次的副本，避免调用方修改内部数据。
func (t *Transcript) Turns() []model.Turn {
	out := make([]model.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// truncate 回退到指定长度，仅供引擎在外部调用失败时撤销本次写入。
// 只允许收缩，不允许扩张。
func (t *Transcript) truncate(n int) {
	if n >= 0 && n < len(t.turns) {
		t.turns = t.turns[:n]
	}
}
