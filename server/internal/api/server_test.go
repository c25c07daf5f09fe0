package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"scene-talk/server/internal/analyzer"
	"scene-talk/server/internal/config"
	"scene-talk/server/internal/engine"
	"scene-talk/server/internal/prompt"
	"scene-talk/server/internal/session"
	"scene-talk/server/internal/speech"
	"scene-talk/server/internal/validator"
)

const analysisJSON = `{
	"scene": "餐厅点餐",
	"scene_description": "顾客在西餐厅向服务员点餐",
	"roles": ["服务员", "顾客"],
	"dialogue_goal": "完成一次完整的点餐对话",
	"suggested_topics": ["推荐菜品"]
}`

const scenesFixture = `[
  {
    "id": "restaurant",
    "name": "餐厅点餐",
    "category": "daily",
    "description": "在西餐厅完成一次点餐",
    "tests": [
      {"id": "open-1", "kind": "open", "topic": "Order food in a restaurant", "max_rounds": 4},
      {"id": "short-1", "kind": "short-answer", "topic": "Where are you from?", "reference": "I'm from Shanghai."}
    ]
  }
]`

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, mock *engine.MockLLMClient) (*Server, speech.Store) {
	t.Helper()

	scenesPath := filepath.Join(t.TempDir(), "scenes.json")
	if err := os.WriteFile(scenesPath, []byte(scenesFixture), 0o644); err != nil {
		t.Fatalf("write scenes fixture: %v", err)
	}

	cfg := &config.Config{}
	cfg.Paths.Scenes = scenesPath
	cfg.Session = config.SessionConfig{
		DefaultMaxRounds: 4,
		HistoryWindow:    12,
		LLMTimeout:       5 * time.Second,
		SpeechTimeout:    5 * time.Second,
		FallbackOpening:  "Hello! How can I help you?",
		FallbackReply:    "I see. Tell me more.",
	}

	composer := prompt.NewComposer(cfg.Session.HistoryWindow)
	eng := engine.New(cfg.Session, session.NewInMemoryStore(), mock, composer,
		validator.New(nil), analyzer.New(mock, composer, cfg.Session.LLMTimeout), nil, nil)

	audio := speech.NewInMemoryStore()
	srv, err := NewServer(cfg, eng, audio)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, audio
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// TestHealthz 验证健康检查端点。
func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, engine.NewMockLLMClient())

	w := doJSON(t, srv.Routes(), "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// TestScenesEndpoint 验证场景目录端点。
func TestScenesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, engine.NewMockLLMClient())

	w := doJSON(t, srv.Routes(), "GET", "/api/scenes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var scenes []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &scenes); err != nil {
		t.Fatalf("decode scenes: %v", err)
	}
	if len(scenes) != 1 || scenes[0]["id"] != "restaurant" {
		t.Fatalf("unexpected scenes payload: %v", scenes)
	}
}

// TestSessionFlowOverHTTP 验证完整的会话流程。
// 场景：按题目创建会话 → 确认角色 → 对话到轮数上限 → 拿报告 → 销毁。
func TestSessionFlowOverHTTP(t *testing.T) {
	mock := engine.NewMockLLMClient(analysisJSON, "Good evening! Welcome. How many people?")
	srv, _ := newTestServer(t, mock)
	handler := srv.Routes()

	w := doJSON(t, handler, "POST", "/api/sessions", map[string]any{
		"scene_id": "restaurant",
		"test_id":  "open-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		MaxRounds int    `json:"max_rounds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.State != "role-selection" || created.MaxRounds != 4 {
		t.Fatalf("unexpected create response: %+v", created)
	}

	w = doJSON(t, handler, "POST", "/api/sessions/"+created.SessionID+"/role", map[string]any{
		"role":       "role-1",
		"difficulty": "easy",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm role: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var turn struct {
		Message string `json:"message"`
		Round   int    `json:"round"`
		IsEnd   bool   `json:"is_end"`
	}
	for i := 0; i < 3; i++ {
		mock.Push("Sure. Anything else?")
		w = doJSON(t, handler, "POST", "/api/sessions/"+created.SessionID+"/turns", map[string]any{
			"text": "I'd like to order the steak.",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("turn %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
		if err := json.Unmarshal(w.Body.Bytes(), &turn); err != nil {
			t.Fatalf("decode turn response: %v", err)
		}
	}
	if !turn.IsEnd || turn.Round != 4 {
		t.Fatalf("expected session to end at round 4, got %+v", turn)
	}

	// 超出上限的发言返回 409
	w = doJSON(t, handler, "POST", "/api/sessions/"+created.SessionID+"/turns", map[string]any{"text": "more"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d", w.Code)
	}

	// 评分端不可用也能拿到报告
	mock.FailNext = 1
	w = doJSON(t, handler, "POST", "/api/sessions/"+created.SessionID+"/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, handler, "DELETE", "/api/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("abort: expected 200, got %d", w.Code)
	}
	w = doJSON(t, handler, "GET", "/api/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after abort, got %d", w.Code)
	}
}

// TestCreateSessionUnknownTest 验证未知题目返回 404。
func TestCreateSessionUnknownTest(t *testing.T) {
	srv, _ := newTestServer(t, engine.NewMockLLMClient())

	w := doJSON(t, srv.Routes(), "POST", "/api/sessions", map[string]any{
		"scene_id": "restaurant",
		"test_id":  "missing",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// TestCreateSessionAnalysisFailure 验证分析失败返回 502 且带会话 ID 供重试。
func TestCreateSessionAnalysisFailure(t *testing.T) {
	mock := engine.NewMockLLMClient()
	mock.FailNext = 1
	srv, _ := newTestServer(t, mock)

	w := doJSON(t, srv.Routes(), "POST", "/api/sessions", map[string]any{"topic": "restaurant talk"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		Retryable bool   `json:"retryable"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.SessionID == "" || !resp.Retryable {
		t.Fatalf("expected retryable response with session id, got %s", w.Body.String())
	}
}

// TestEvaluateEndpoint 验证离散题评测端点。
func TestEvaluateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, engine.NewMockLLMClient())
	handler := srv.Routes()

	w := doJSON(t, handler, "POST", "/api/evaluate", map[string]any{
		"kind":      "short-answer",
		"answer":    "i am from shanghai",
		"reference": "I'm from Shanghai.",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result struct {
		Similarity float64 `json:"similarity"`
		IsCorrect  bool    `json:"is_correct"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.IsCorrect || result.Similarity != 0.88 {
		t.Fatalf("expected near-match 0.88, got %+v", result)
	}

	// 选择题逐字匹配
	w = doJSON(t, handler, "POST", "/api/evaluate", map[string]any{
		"kind": "choice", "answer": "B", "reference": "B",
	})
	json.Unmarshal(w.Body.Bytes(), &result)
	if !result.IsCorrect {
		t.Fatalf("exact choice should be correct")
	}

	// 缺参考答案返回 400
	w = doJSON(t, handler, "POST", "/api/evaluate", map[string]any{"answer": "B"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reference, got %d", w.Code)
	}
}

// TestStreamEndpoint 验证 WebSocket 轮次推送。
// 场景：订阅会话流后确认角色，开场轮次被推送到连接；
// 会话中止后服务端关闭连接，而不是让空闲连接悬挂。
func TestStreamEndpoint(t *testing.T) {
	mock := engine.NewMockLLMClient(analysisJSON)
	srv, _ := newTestServer(t, mock)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	w := doJSON(t, srv.Routes(), "POST", "/api/sessions", map[string]any{"topic": "restaurant ordering"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + created.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": {"http://localhost:5173"},
	})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	// 等订阅在握手完成后注册好，再触发推送
	time.Sleep(50 * time.Millisecond)

	mock.Push("Good evening! Welcome.")
	w = doJSON(t, srv.Routes(), "POST", "/api/sessions/"+created.SessionID+"/role", map[string]any{
		"role": "role-1", "difficulty": "easy",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm role: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var turn struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	}
	if err := conn.ReadJSON(&turn); err != nil {
		t.Fatalf("read pushed turn: %v", err)
	}
	if turn.Speaker != "assistant" || turn.Text == "" {
		t.Fatalf("unexpected pushed turn: %+v", turn)
	}

	// 中止会话后服务端应主动关闭流
	w = doJSON(t, srv.Routes(), "DELETE", "/api/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("abort: expected 200, got %d", w.Code)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&turn); err == nil {
		t.Fatalf("expected connection closed after abort")
	}
}

// TestAudioEndpoint 验证音频取用与缺失处理。
func TestAudioEndpoint(t *testing.T) {
	srv, audio := newTestServer(t, engine.NewMockLLMClient())
	handler := srv.Routes()

	audio.Put(context.Background(), speech.Audio{ID: "a-1", MIME: "audio/mpeg", Data: []byte("mp3")})

	w := doJSON(t, handler, "GET", "/api/audio/a-1", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("expected audio response, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = doJSON(t, handler, "GET", "/api/audio/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing audio, got %d", w.Code)
	}
}
