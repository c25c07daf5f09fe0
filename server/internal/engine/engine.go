package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"scene-talk/server/internal/analyzer"
	"scene-talk/server/internal/config"
	"scene-talk/server/internal/difficulty"
	"scene-talk/server/internal/llm"
	"scene-talk/server/internal/model"
	"scene-talk/server/internal/prompt"
	"scene-talk/server/internal/session"
	"scene-talk/server/internal/speech"
	"scene-talk/server/internal/validator"
)

// Stage 标识一类会挂起的外部调用，用于重入保护。
type Stage string

const (
	StageAnalysis   Stage = "analysis"
	StageGeneration Stage = "generation"
	StageScoring    Stage = "scoring"
)

// Engine 驱动口语练习会话的完整生命周期：
// 题目分析 → 角色确认 → 初始化开场 → 多轮对话 → 完成与报告。
//
// 并发契约：
// - 每个会话同一时刻只有一个逻辑执行方在推进（perSession 锁）。
// - 同一阶段不允许并发的外部请求（inflight 重入保护）。
// - 外部调用失败时 Transcript 保持调用前的状态，重试总是安全的。
type Engine struct {
	cfg       config.SessionConfig
	store     session.Store
	llmClient llm.Client
	composer  *prompt.Composer
	validate  *validator.Validator
	analyzer  *analyzer.Analyzer
	synth     speech.Synthesizer // 为 nil 时关闭语音输出
	now       func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]map[Stage]bool

	subMu sync.Mutex
	subs  map[string][]chan model.Turn
}

func New(cfg config.SessionConfig, store session.Store, llmClient llm.Client,
	composer *prompt.Composer, v *validator.Validator, a *analyzer.Analyzer,
	synth speech.Synthesizer, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		llmClient: llmClient,
		composer:  composer,
		validate:  v,
		analyzer:  a,
		synth:     synth,
		now:       now,
		locks:     make(map[string]*sync.Mutex),
		inflight:  make(map[string]map[Stage]bool),
		subs:      make(map[string][]chan model.Turn),
	}
}

// StartRequest 是创建会话的输入。
type StartRequest struct {
	SceneID      string
	TestID       string
	Topic        string
	MaxRounds    int
	VoiceEnabled bool
}

// StartSession 创建会话并立刻发起题目分析。
// 分析失败时会话停留在 analyzing，返回的 AnalysisError 可重试（Analyze）。
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (*session.Session, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.DefaultMaxRounds
	}

	sess := session.New(req.SceneID, req.TestID, req.Topic, maxRounds, req.VoiceEnabled, e.now())
	if err := sess.Advance(session.StateAnalyzing); err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, sess); err != nil {
		return nil, err
	}

	if err := e.Analyze(ctx, sess.ID); err != nil {
		// 会话保留在 analyzing，供上层重试。
		return sess, err
	}
	return sess, nil
}

// Analyze 执行（或重试）题目分析。成功后进入 role-selection。
func (e *Engine) Analyze(ctx context.Context, id string) error {
	unlock, err := e.lockSession(id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.State != session.StateAnalyzing {
		return fmt.Errorf("analysis is only valid in analyzing state, got %s", sess.State)
	}

	release, err := e.enterStage(id, StageAnalysis)
	if err != nil {
		return err
	}
	defer release()

	analysis, err := e.runTopicAnalysis(ctx, sess.Topic)
	if err != nil {
		log.Printf("[题目分析] 会话 %s 分析失败: %v", id, err)
		return &AnalysisError{Err: err}
	}

	sess.Analysis = analysis
	if err := sess.Advance(session.StateRoleSelection); err != nil {
		return err
	}
	return e.store.Save(ctx, sess)
}

// ConfirmRole 记录用户确认的角色与难度，生成开场白并进入 active。
func (e *Engine) ConfirmRole(ctx context.Context, id, userRoleID string, tier difficulty.Tier) (*model.TurnResponse, error) {
	unlock, err := e.lockSession(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Analysis == nil || sess.State != session.StateRoleSelection {
		return nil, fmt.Errorf("role confirmation requires role-selection state, got %s", sess.State)
	}

	userRole, ok := findRole(sess.Analysis.UserRoles, userRoleID)
	if !ok {
		return nil, fmt.Errorf("unknown user role: %q", userRoleID)
	}

	release, err := e.enterStage(id, StageGeneration)
	if err != nil {
		return nil, err
	}
	defer release()

	// 先生成开场白，成功后才改写会话；失败时会话停留在
	// role-selection，重发确认请求是安全的。
	aiRole := sess.Analysis.AIRole.Name
	req := e.composer.ComposeOpening(sess.Analysis.SceneType, aiRole, userRole.Name,
		sess.Analysis.DialogueGoal, tier)
	text, err := e.generateUtterance(ctx, req, sess.ID, aiRole, userRole.Name, e.cfg.FallbackOpening)
	if err != nil {
		return nil, &GenerationError{Stage: "opening", Err: err}
	}

	if err := sess.ConfirmRole(sess.Analysis.SceneType, aiRole,
		userRole.Name, sess.Analysis.DialogueGoal, tier); err != nil {
		return nil, err
	}
	if err := sess.Advance(session.StateInitializing); err != nil {
		return nil, err
	}

	turn := model.Turn{
		Speaker: model.SpeakerAssistant,
		Text:    text,
		AudioID: e.synthesize(ctx, sess, text),
		TS:      e.now(),
	}
	if err := sess.AppendTurn(turn); err != nil {
		return nil, err
	}
	sess.Rounds.RecordRoundCompletion()

	if err := sess.Advance(session.StateActive); err != nil {
		return nil, err
	}
	if sess.Rounds.IsComplete() {
		if err := sess.Advance(session.StateCompleted); err != nil {
			return nil, err
		}
	}
	if err := e.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	e.publish(id, turn)

	return &model.TurnResponse{
		Message: text,
		AudioID: turn.AudioID,
		Round:   sess.Rounds.Current,
		IsEnd:   sess.Rounds.IsComplete(),
	}, nil
}

// SubmitTurn 接收一条用户发言并生成 AI 回复。
// 外部调用失败时撤销本次的用户轮次写入，保证重试安全。
func (e *Engine) SubmitTurn(ctx context.Context, id, text string) (*model.TurnResponse, error) {
	unlock, err := e.lockSession(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StateActive {
		if sess.State == session.StateCompleted {
			return nil, ErrSessionCompleted
		}
		return nil, fmt.Errorf("turns are only accepted in active state, got %s", sess.State)
	}
	if !sess.Rounds.ShouldAcceptTurn() {
		return nil, ErrSessionCompleted
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("turn text is required")
	}

	release, err := e.enterStage(id, StageGeneration)
	if err != nil {
		return nil, err
	}
	defer release()

	snapshot := sess.TranscriptLen()
	userTurn := model.Turn{Speaker: model.SpeakerUser, Text: text, TS: e.now()}
	if err := sess.AppendTurn(userTurn); err != nil {
		return nil, err
	}

	req := e.composer.ComposeContinuation(sess.Scene, sess.AIRole, sess.UserRole,
		sess.DialogueGoal, sess.Difficulty, sess.Turns())
	reply, err := e.generateUtterance(ctx, req, sess.ID, sess.AIRole, sess.UserRole, e.cfg.FallbackReply)
	if err != nil {
		// 回滚用户轮次：失败的调用不能留下半截 Transcript。
		sess.RollbackTranscript(snapshot)
		return nil, &GenerationError{Stage: "continuation", Err: err}
	}

	aiTurn := model.Turn{
		Speaker: model.SpeakerAssistant,
		Text:    reply,
		AudioID: e.synthesize(ctx, sess, reply),
		TS:      e.now(),
	}
	if err := sess.AppendTurn(aiTurn); err != nil {
		sess.RollbackTranscript(snapshot)
		return nil, err
	}
	sess.Rounds.RecordRoundCompletion()

	if sess.Rounds.IsComplete() {
		if err := sess.Advance(session.StateCompleted); err != nil {
			return nil, err
		}
	}
	if err := e.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	e.publish(id, userTurn)
	e.publish(id, aiTurn)

	return &model.TurnResponse{
		Message: reply,
		AudioID: aiTurn.AudioID,
		Round:   sess.Rounds.Current,
		IsEnd:   sess.Rounds.IsComplete(),
	}, nil
}

// Report 为已完成的会话产出评测报告。只读，不改变会话状态。
// 状态检查通过后不会失败：评分服务不可用时返回兜底报告。
func (e *Engine) Report(ctx context.Context, id string) (*model.AnalysisReport, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StateCompleted {
		return nil, fmt.Errorf("report requires completed state, got %s", sess.State)
	}

	release, err := e.enterStage(id, StageScoring)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.analyzer.Analyze(ctx, sess.Turns(), sess.Rounds.Current), nil
}

// Abort 中止并销毁会话。
func (e *Engine) Abort(ctx context.Context, id string) error {
	unlock, err := e.lockSession(id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := sess.Abort(); err != nil {
		return err
	}
	e.closeSubscribers(id)
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}

	// 会话销毁后回收并发控制的登记项，锁表不随历史会话单调增长。
	// 仍持有旧锁指针的等待方解锁后会拿到 ErrNotFound，无需特殊处理。
	e.mu.Lock()
	delete(e.locks, id)
	delete(e.inflight, id)
	e.mu.Unlock()
	return nil
}

// Get 返回会话当前状态，供展示层查询。
func (e *Engine) Get(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Get(ctx, id)
}

// --- 外部调用辅助 ---

// topicAnalysisResult 是题目分析模型约定的 JSON 输出。
type topicAnalysisResult struct {
	Scene            string   `json:"scene"`
	SceneDescription string   `json:"scene_description"`
	Roles            []string `json:"roles"`
	DialogueGoal     string   `json:"dialogue_goal"`
	SuggestedTopics  []string `json:"suggested_topics"`
}

func (e *Engine) runTopicAnalysis(ctx context.Context, topic string) (*model.TopicAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	req := e.composer.ComposeTopicAnalysis(topic)
	raw, err := e.llmClient.Complete(ctx, req.Messages, nil)
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}

	var parsed topicAnalysisResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse analysis result: %w", err)
	}
	if parsed.Scene == "" || len(parsed.Roles) < 2 || parsed.DialogueGoal == "" {
		return nil, fmt.Errorf("analysis result missing required fields")
	}

	// 约定返回的角色列表第一个为 AI 扮演的角色，其余为用户可选角色。
	userRoles := make([]model.Role, 0, len(parsed.Roles)-1)
	for i, name := range parsed.Roles[1:] {
		userRoles = append(userRoles, model.Role{ID: fmt.Sprintf("role-%d", i+1), Name: name})
	}

	return &model.TopicAnalysis{
		SceneType:        parsed.Scene,
		SceneDescription: parsed.SceneDescription,
		AIRole:           model.Role{ID: "role-0", Name: parsed.Roles[0]},
		UserRoles:        userRoles,
		DialogueGoal:     parsed.DialogueGoal,
		SuggestedTopics:  parsed.SuggestedTopics,
	}, nil
}

// generateUtterance 调用生成模型并做校验。
// 生成失败或返回空文本时自动重试一次；校验失败不重新生成，
// 直接替换该阶段的兜底台词并记录原因（不中止会话）。
func (e *Engine) generateUtterance(ctx context.Context, req prompt.Request, sessionID, aiRole, userRole, fallback string) (string, error) {
	text, err := e.completeOnce(ctx, req)
	if err != nil {
		log.Printf("[对话生成] 会话 %s 首次生成失败，重试一次: %v", sessionID, err)
		text, err = e.completeOnce(ctx, req)
		if err != nil {
			return "", err
		}
	}

	result := e.validate.Validate(text, aiRole, userRole)
	if !result.Valid {
		log.Printf("[回复校验] 会话 %s 校验未通过 %v，使用兜底台词", sessionID, result.Violations)
		return fallback, nil
	}
	return text, nil
}

func (e *Engine) completeOnce(ctx context.Context, req prompt.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	raw, err := e.llmClient.Complete(callCtx, req.Messages, nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("empty generation output")
	}
	return text, nil
}

// synthesize 为一句台词合成语音，失败时返回空引用而不是错误：
// 音频缺失不允许让轮次失败。
func (e *Engine) synthesize(ctx context.Context, sess *session.Session, text string) string {
	if e.synth == nil || !sess.VoiceEnabled {
		return ""
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SpeechTimeout)
	defer cancel()

	rate := difficulty.ProfileOf(sess.Difficulty).SpeechRate
	audioID, err := e.synth.Synthesize(callCtx, text, rate)
	if err != nil {
		log.Printf("[语音合成] 会话 %s 合成失败（轮次继续）: %v", sess.ID, err)
		return ""
	}
	return audioID
}

// --- 并发控制 ---

// lockSession 获取会话级互斥锁：同一会话同时只有一个写入方。
func (e *Engine) lockSession(id string) (func(), error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	e.mu.Lock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}

// enterStage 标记某阶段的外部请求进入在途状态；已有在途请求时拒绝。
func (e *Engine) enterStage(id string, stage Stage) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[id] == nil {
		e.inflight[id] = make(map[Stage]bool)
	}
	if e.inflight[id][stage] {
		return nil, ErrInFlight
	}
	e.inflight[id][stage] = true

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.inflight[id], stage)
	}, nil
}

// --- 轮次订阅（websocket 推送用） ---

// Subscribe 订阅会话的轮次事件。返回的取消函数应在连接关闭时调用。
func (e *Engine) Subscribe(id string) (<-chan model.Turn, func()) {
	ch := make(chan model.Turn, 16)

	e.subMu.Lock()
	e.subs[id] = append(e.subs[id], ch)
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		chans := e.subs[id]
		for i, c := range chans {
			if c == ch {
				e.subs[id] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (e *Engine) publish(id string, turn model.Turn) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs[id] {
		select {
		case ch <- turn:
		default:
			// 慢消费者直接丢弃，不阻塞状态机。
		}
	}
}

func (e *Engine) closeSubscribers(id string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs[id] {
		close(ch)
	}
	delete(e.subs, id)
}

func findRole(roles []model.Role, id string) (model.Role, bool) {
	for _, r := range roles {
		if r.ID == id || r.Name == id {
			return r, true
		}
	}
	return model.Role{}, false
}
