package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"scene-talk/server/internal/difficulty"
	"scene-talk/server/internal/model"
)

// Session 表示一次完整的口语练习会话，从选题到最终报告。
// 整个生命周期由单一逻辑执行方（引擎）驱动；会话之间没有共享可变状态。
type Session struct {
	ID      string
	SceneID string
	TestID  string

	// Topic 是测试题目的原始描述，题目分析的输入。
	Topic string

	// 角色与难度在 role-selection 确认后即不可变。
	Scene        string
	AIRole       string
	UserRole     string
	DialogueGoal string
	Difficulty   difficulty.Tier

	// Analysis 是题目分析结果，进入 role-selection 时写入。
	Analysis *model.TopicAnalysis

	State        State
	Rounds       RoundController
	VoiceEnabled bool

	transcript Transcript

	CreatedAt time.Time
}

// New 创建一个处于 idle 状态的新会话。
func New(sceneID, testID, topic string, maxRounds int, voiceEnabled bool, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		SceneID:      sceneID,
		TestID:       testID,
		Topic:        topic,
		State:        StateIdle,
		Rounds:       NewRoundController(maxRounds),
		VoiceEnabled: voiceEnabled,
		CreatedAt:    now,
	}
}

// Advance 按转移表推进生命周期状态。不在表内的转移返回错误。
func (s *Session) Advance(to State) error {
	if !canTransition(s.State, to) {
		return &ErrInvalidTransition{From: s.State, To: to}
	}
	s.State = to
	return nil
}

// Abort 将会话置为终态 aborted。只有 idle 状态不可中止。
func (s *Session) Abort() error {
	return s.Advance(StateAborted)
}

// ConfirmRole 记录用户确认的角色与难度。只允许写入一次。
func (s *Session) ConfirmRole(scene, aiRole, userRole, goal string, tier difficulty.Tier) error {
	if s.State != StateRoleSelection {
		return fmt.Errorf("role can only be confirmed during role-selection, state is %s", s.State)
	}
	if s.AIRole != "" || s.UserRole != "" {
		return fmt.Errorf("role and difficulty are immutable once confirmed")
	}
	s.Scene = scene
	s.AIRole = aiRole
	s.UserRole = userRole
	s.DialogueGoal = goal
	s.Difficulty = tier
	return nil
}

// AppendTurn 向 Transcript 追加一条轮次。
// 会话完成后再追加属于调用方缺陷（RoundLimitViolation），直接 panic
// 而不是返回可恢复错误。交替不变式被破坏时返回错误。
func (s *Session) AppendTurn(turn model.Turn) error {
	if s.Rounds.IsComplete() {
		panic(fmt.Sprintf("session %s: turn appended after round limit (%d/%d)",
			s.ID, s.Rounds.Current, s.Rounds.Max))
	}
	return s.transcript.Append(turn)
}

// Turns 返回 Transcript 的全部轮次副本。
func (s *Session) Turns() []model.Turn {
	return s.transcript.Turns()
}

// TranscriptLen 返回当前轮次数。
func (s *Session) TranscriptLen() int {
	return s.transcript.Len()
}

// RollbackTranscript 把 Transcript 回退到指定长度。
// 仅供引擎在外部调用失败时撤销同一临界区内的写入，保证重试安全。
func (s *Session) RollbackTranscript(n int) {
	s.transcript.truncate(n)
}
