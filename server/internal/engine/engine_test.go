package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"scene-talk/server/internal/analyzer"
	"scene-talk/server/internal/config"
	"scene-talk/server/internal/difficulty"
	"scene-talk/server/internal/model"
	"scene-talk/server/internal/prompt"
	"scene-talk/server/internal/session"
	"scene-talk/server/internal/validator"
)

// analysisJSON 是题目分析模型的一条合法输出
const analysisJSON = `{
	"scene": "餐厅点餐",
	"scene_description": "顾客在西餐厅向服务员点餐",
	"roles": ["服务员", "顾客"],
	"dialogue_goal": "完成一次完整的点餐对话",
	"suggested_topics": ["推荐菜品", "询问口味"]
}`

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		DefaultMaxRounds: 4,
		HistoryWindow:    12,
		LLMTimeout:       5 * time.Second,
		SpeechTimeout:    5 * time.Second,
		FallbackOpening:  "Hello! Welcome. What can I do for you today?",
		FallbackReply:    "I see. Could you tell me more about that?",
	}
}

func newTestEngine(mock *MockLLMClient) (*Engine, session.Store) {
	cfg := testConfig()
	store := session.NewInMemoryStore()
	composer := prompt.NewComposer(cfg.HistoryWindow)
	v := validator.New(nil)
	a := analyzer.New(mock, composer, cfg.LLMTimeout)
	eng := New(cfg, store, mock, composer, v, a, nil, nil)
	return eng, store
}

// startActiveSession 把会话推进到 active 状态（已生成开场白，轮数 1/4）
func startActiveSession(t *testing.T, eng *Engine, mock *MockLLMClient) *session.Session {
	t.Helper()
	mock.Push(analysisJSON)
	mock.Push("Good evening! Welcome to our restaurant. How many people?")

	sess, err := eng.StartSession(context.Background(), StartRequest{Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := eng.ConfirmRole(context.Background(), sess.ID, "role-1", difficulty.TierEasy); err != nil {
		t.Fatalf("ConfirmRole failed: %v", err)
	}
	sess, err = eng.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return sess
}

// TestFullLifecycle 验证完整的会话生命周期。
// 场景：分析 → 确认角色（开场白算第 1 轮）→ 用户发言 3 次 → 第 4 轮后完成，
// 第 5 次发言被拒绝，完成后可以产出报告。
func TestFullLifecycle(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{SceneID: "restaurant", Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.State != session.StateRoleSelection {
		t.Fatalf("expected role-selection after analysis, got %s", sess.State)
	}
	if sess.Analysis == nil || sess.Analysis.AIRole.Name != "服务员" {
		t.Fatalf("analysis not recorded: %+v", sess.Analysis)
	}
	if len(sess.Analysis.UserRoles) != 1 || sess.Analysis.UserRoles[0].Name != "顾客" {
		t.Fatalf("unexpected user roles: %+v", sess.Analysis.UserRoles)
	}

	mock.Push("Good evening! Welcome. How many people?")
	resp, err := eng.ConfirmRole(ctx, sess.ID, "role-1", difficulty.TierEasy)
	if err != nil {
		t.Fatalf("ConfirmRole failed: %v", err)
	}
	if resp.Round != 1 || resp.IsEnd {
		t.Fatalf("opening should complete round 1, got round=%d isEnd=%v", resp.Round, resp.IsEnd)
	}

	replies := []string{
		"Sure, a table for two. Here is the menu.",
		"The steak is our best dish. How would you like it cooked?",
		"Great choice. Your order will be ready soon. Anything else?",
	}
	for i, reply := range replies {
		mock.Push(reply)
		resp, err = eng.SubmitTurn(ctx, sess.ID, "user line")
		if err != nil {
			t.Fatalf("SubmitTurn %d failed: %v", i+1, err)
		}
		if resp.Round != i+2 {
			t.Fatalf("turn %d: expected round %d, got %d", i+1, i+2, resp.Round)
		}
	}
	if !resp.IsEnd {
		t.Fatalf("expected isEnd after round 4")
	}

	sess, _ = eng.Get(ctx, sess.ID)
	if sess.State != session.StateCompleted {
		t.Fatalf("expected completed state, got %s", sess.State)
	}
	// 第 5 次发言必须被拒绝
	if _, err := eng.SubmitTurn(ctx, sess.ID, "one more"); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}

	// 评分服务不可用也要拿到报告（兜底）
	mock.FailNext = 1
	report, err := eng.Report(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if !report.Fallback {
		t.Fatalf("expected fallback report when scoring call fails")
	}
	if report.RoundCount != 4 {
		t.Fatalf("expected round count 4, got %d", report.RoundCount)
	}
}

// TestAnalysisFailureIsRetryable 验证分析失败后会话停在 analyzing，可以重试。
func TestAnalysisFailureIsRetryable(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	mock.FailNext = 1
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{Topic: "hotel check-in"})
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
	if sess.State != session.StateAnalyzing {
		t.Fatalf("expected session to stay in analyzing, got %s", sess.State)
	}

	if err := eng.Analyze(ctx, sess.ID); err != nil {
		t.Fatalf("retry Analyze failed: %v", err)
	}
	sess, _ = eng.Get(ctx, sess.ID)
	if sess.State != session.StateRoleSelection {
		t.Fatalf("expected role-selection after retry, got %s", sess.State)
	}
}

// TestSubmitTurnRollbackOnFailure 验证生成失败时用户轮次被回滚。
// 场景：生成端连续失败（含一次自动重试），Transcript 与轮数保持原状，
// 之后重试同一条发言可以成功。
func TestSubmitTurnRollbackOnFailure(t *testing.T) {
	mock := NewMockLLMClient()
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess := startActiveSession(t, eng, mock)
	lenBefore := sess.TranscriptLen()
	roundBefore := sess.Rounds.Current

	mock.FailNext = 2 // 首次调用 + 自动重试都失败
	_, err := eng.SubmitTurn(ctx, sess.ID, "I'd like to order")
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}

	sess, _ = eng.Get(ctx, sess.ID)
	if sess.TranscriptLen() != lenBefore {
		t.Fatalf("transcript changed after failed turn: %d -> %d", lenBefore, sess.TranscriptLen())
	}
	if sess.Rounds.Current != roundBefore {
		t.Fatalf("round advanced after failed turn: %d -> %d", roundBefore, sess.Rounds.Current)
	}
	if sess.State != session.StateActive {
		t.Fatalf("expected session to stay active, got %s", sess.State)
	}

	mock.Push("Of course! What would you like?")
	if _, err := eng.SubmitTurn(ctx, sess.ID, "I'd like to order"); err != nil {
		t.Fatalf("retry after failure should succeed: %v", err)
	}
}

// TestEmptyGenerationRetriesOnce 验证空输出触发一次自动重试。
func TestEmptyGenerationRetriesOnce(t *testing.T) {
	mock := NewMockLLMClient()
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess := startActiveSession(t, eng, mock)

	mock.Responses = []string{"   ", "Here you are. Anything to drink?"}
	resp, err := eng.SubmitTurn(ctx, sess.ID, "The menu, please")
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if resp.Message != "Here you are. Anything to drink?" {
		t.Fatalf("expected retried reply, got %q", resp.Message)
	}
}

// TestInvalidReplyFallsBack 验证校验不通过的生成结果被兜底台词替换。
// 场景：模型用中文回复，回复不直接下发，改用该阶段的兜底台词。
func TestInvalidReplyFallsBack(t *testing.T) {
	mock := NewMockLLMClient()
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess := startActiveSession(t, eng, mock)

	mock.Push("好的，请看菜单。")
	resp, err := eng.SubmitTurn(ctx, sess.ID, "Can I see the menu?")
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if resp.Message != testConfig().FallbackReply {
		t.Fatalf("expected fallback reply, got %q", resp.Message)
	}
	// 兜底台词作为正常轮次记录
	sess, _ = eng.Get(ctx, sess.ID)
	turns := sess.Turns()
	if len(turns) == 0 || turns[len(turns)-1].Text != testConfig().FallbackReply {
		t.Fatalf("fallback reply not recorded in transcript")
	}
}

// TestConfirmRoleRetryAfterGenerationFailure 验证开场白生成失败后确认可重发。
// 场景：生成端失败时会话停留在 role-selection，角色未锁定，重发同一确认成功。
func TestConfirmRoleRetryAfterGenerationFailure(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	mock.FailNext = 2
	_, err = eng.ConfirmRole(ctx, sess.ID, "role-1", difficulty.TierEasy)
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	sess, _ = eng.Get(ctx, sess.ID)
	if sess.State != session.StateRoleSelection {
		t.Fatalf("expected state to stay role-selection, got %s", sess.State)
	}
	if sess.TranscriptLen() != 0 {
		t.Fatalf("expected empty transcript after failed opening")
	}

	mock.Push("Good evening! Welcome. How many people?")
	if _, err := eng.ConfirmRole(ctx, sess.ID, "role-1", difficulty.TierEasy); err != nil {
		t.Fatalf("retry ConfirmRole should succeed: %v", err)
	}
}

// TestConfirmRoleRejectsUnknownRole 验证未知角色被拒绝且状态不变。
func TestConfirmRoleRejectsUnknownRole(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := eng.ConfirmRole(ctx, sess.ID, "role-99", difficulty.TierEasy); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	sess, _ = eng.Get(ctx, sess.ID)
	if sess.State != session.StateRoleSelection {
		t.Fatalf("state should stay role-selection, got %s", sess.State)
	}
}

// TestMalformedAnalysisOutput 验证分析输出缺字段时返回可重试错误。
func TestMalformedAnalysisOutput(t *testing.T) {
	mock := NewMockLLMClient(`{"scene": "餐厅", "roles": ["服务员"]}`)
	eng, _ := newTestEngine(mock)

	_, err := eng.StartSession(context.Background(), StartRequest{Topic: "restaurant"})
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError for malformed output, got %v", err)
	}
}

// TestAbortDeletesSession 验证中止后会话被销毁。
func TestAbortDeletesSession(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	eng, store := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := eng.Abort(ctx, sess.ID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after abort, got %v", err)
	}
}

// TestAbortReleasesConcurrencyEntries 验证中止后并发控制登记项被回收。
// 场景：大量短会话相继中止时，锁表与在途表不能随历史会话单调增长。
func TestAbortReleasesConcurrencyEntries(t *testing.T) {
	mock := NewMockLLMClient()
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.Push(analysisJSON)
		sess, err := eng.StartSession(ctx, StartRequest{Topic: "restaurant ordering"})
		if err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		if err := eng.Abort(ctx, sess.ID); err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
	}

	eng.mu.Lock()
	locks, inflight := len(eng.locks), len(eng.inflight)
	eng.mu.Unlock()
	if locks != 0 || inflight != 0 {
		t.Fatalf("expected concurrency entries released after abort, got %d locks %d inflight", locks, inflight)
	}

	eng.subMu.Lock()
	subs := len(eng.subs)
	eng.subMu.Unlock()
	if subs != 0 {
		t.Fatalf("expected subscriber entries released after abort, got %d", subs)
	}
}

// TestReportRequiresCompletedState 验证未完成的会话不能出报告。
func TestReportRequiresCompletedState(t *testing.T) {
	mock := NewMockLLMClient()
	eng, _ := newTestEngine(mock)

	sess := startActiveSession(t, eng, mock)
	if _, err := eng.Report(context.Background(), sess.ID); err == nil {
		t.Fatalf("expected error for report on active session")
	}
}

// TestSubscribeReceivesTurns 验证订阅方能收到对话轮次推送。
func TestSubscribeReceivesTurns(t *testing.T) {
	mock := NewMockLLMClient(analysisJSON)
	eng, _ := newTestEngine(mock)
	ctx := context.Background()

	sess, err := eng.StartSession(ctx, StartRequest{Topic: "restaurant ordering"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	ch, cancel := eng.Subscribe(sess.ID)
	defer cancel()

	mock.Push("Good evening! Welcome.")
	if _, err := eng.ConfirmRole(ctx, sess.ID, "role-1", difficulty.TierEasy); err != nil {
		t.Fatalf("ConfirmRole failed: %v", err)
	}

	select {
	case turn := <-ch:
		if turn.Speaker != model.SpeakerAssistant {
			t.Fatalf("expected assistant turn, got %s", turn.Speaker)
		}
	case <-time.After(time.Second):
		t.Fatalf("no turn received on subscription")
	}
}
