package session

import "fmt"

// State 是会话生命周期状态的闭合枚举。
type State string

const (
	StateIdle          State = "idle"
	StateAnalyzing     State = "analyzing"
	StateRoleSelection State = "role-selection"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// transitions 是显式的状态转移表。不在表内的转移一律拒绝，
// 而不是从各种标志位组合里推断状态。
// aborted 从任何非 idle 状态可达，在 canTransition 中单独处理。
var transitions = map[State][]State{
	StateIdle:          {StateAnalyzing},
	StateAnalyzing:     {StateRoleSelection},
	StateRoleSelection: {StateInitializing},
	StateInitializing:  {StateActive},
	StateActive:        {StateActive, StateCompleted},
	StateCompleted:     {},
	StateAborted:       {},
}

func canTransition(from, to State) bool {
	if to == StateAborted {
		return from != StateIdle && from != StateAborted
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 表示一次不在转移表内的状态推进。
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}
