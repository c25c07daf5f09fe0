package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"scene-talk/server/internal/config"
	"scene-talk/server/internal/difficulty"
	"scene-talk/server/internal/domain"
	"scene-talk/server/internal/engine"
	"scene-talk/server/internal/evaluate"
	"scene-talk/server/internal/session"
	"scene-talk/server/internal/speech"
)

type Server struct {
	config *config.Config
	engine *engine.Engine
	audio  speech.Store
	scenes []domain.Scene

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, eng *engine.Engine, audio speech.Store) (*Server, error) {
	scenes, err := domain.LoadScenes(cfg.Paths.Scenes)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: cfg,
		engine: eng,
		audio:  audio,
		scenes: scenes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 开发期允许本地跨域，生产环境应改为白名单
				origin := r.Header.Get("Origin")
				return origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173"
			},
		},
	}, nil
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	e := gin.New()
	e.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	e.GET("/healthz", s.handleHealthz)
	e.GET("/api/scenes", s.handleScenes)
	e.POST("/api/sessions", s.handleCreateSession)
	e.GET("/api/sessions/:id", s.handleGetSession)
	e.POST("/api/sessions/:id/analyze", s.handleAnalyze)
	e.POST("/api/sessions/:id/role", s.handleConfirmRole)
	e.POST("/api/sessions/:id/turns", s.handleSubmitTurn)
	e.POST("/api/sessions/:id/report", s.handleReport)
	e.DELETE("/api/sessions/:id", s.handleAbort)
	e.GET("/api/sessions/:id/stream", s.handleStream)
	e.GET("/api/audio/:id", s.handleAudio)
	e.POST("/api/evaluate", s.handleEvaluate)
	return e
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleScenes 返回场景目录。
func (s *Server) handleScenes(c *gin.Context) {
	c.JSON(http.StatusOK, s.scenes)
}

type createSessionRequest struct {
	SceneID      string `json:"scene_id"`
	TestID       string `json:"test_id"`
	Topic        string `json:"topic"`
	MaxRounds    int    `json:"max_rounds"`
	VoiceEnabled bool   `json:"voice_enabled"`
}

// handleCreateSession 创建会话并发起题目分析。
// 分析失败时仍返回会话 ID，客户端可通过 /analyze 重试。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	topic := req.Topic
	maxRounds := req.MaxRounds
	if req.SceneID != "" && req.TestID != "" {
		_, test, ok := domain.FindTest(s.scenes, req.SceneID, req.TestID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "test item not found"})
			return
		}
		if topic == "" {
			topic = test.Topic
		}
		if maxRounds == 0 {
			maxRounds = test.MaxRounds
		}
	}
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic required"})
		return
	}

	sess, err := s.engine.StartSession(c.Request.Context(), engine.StartRequest{
		SceneID:      req.SceneID,
		TestID:       req.TestID,
		Topic:        topic,
		MaxRounds:    maxRounds,
		VoiceEnabled: req.VoiceEnabled,
	})
	if err != nil {
		var analysisErr *engine.AnalysisError
		if sess != nil && errors.As(err, &analysisErr) {
			c.JSON(http.StatusBadGateway, gin.H{
				"session_id": sess.ID,
				"state":      sess.State,
				"error":      "topic analysis failed",
				"retryable":  true,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"state":      sess.State,
		"max_rounds": sess.Rounds.Max,
		"analysis":   sess.Analysis,
	})
}

// handleGetSession 返回会话当前状态与轮次记录。
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    sess.ID,
		"state":         sess.State,
		"current_round": sess.Rounds.Current,
		"max_rounds":    sess.Rounds.Max,
		"analysis":      sess.Analysis,
		"turns":         sess.Turns(),
	})
}

// handleAnalyze 重试题目分析（仅 analyzing 状态有效）。
func (s *Server) handleAnalyze(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Analyze(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": sess.State, "analysis": sess.Analysis})
}

type confirmRoleRequest struct {
	Role       string `json:"role"`
	Difficulty string `json:"difficulty"`
}

// handleConfirmRole 确认角色与难度并返回开场轮次。
func (s *Server) handleConfirmRole(c *gin.Context) {
	var req confirmRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	tier, err := difficulty.Parse(req.Difficulty)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.engine.ConfirmRole(c.Request.Context(), c.Param("id"), req.Role, tier)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type submitTurnRequest struct {
	Text string `json:"text"`
}

// handleSubmitTurn 提交一条用户发言，返回 AI 回复轮次。
func (s *Server) handleSubmitTurn(c *gin.Context) {
	var req submitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	resp, err := s.engine.SubmitTurn(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleReport 产出完成会话的评测报告。
func (s *Server) handleReport(c *gin.Context) {
	report, err := s.engine.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleAbort 中止并销毁会话。
func (s *Server) handleAbort(c *gin.Context) {
	if err := s.engine.Abort(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

// handleStream 通过 WebSocket 推送会话的轮次事件。
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Get(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[stream] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	turns, cancel := s.engine.Subscribe(id)
	defer cancel()

	// 丢弃式读循环：客户端不会发消息过来，但只有持续读
	// 才能及时发现对端关闭，否则空闲连接要等到下一次推送才释放。
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case turn, ok := <-turns:
			if !ok {
				return
			}
			if err := conn.WriteJSON(turn); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// handleAudio 返回合成音频。音频只在会话存续期间可取。
func (s *Server) handleAudio(c *gin.Context) {
	audio, err := s.audio.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, speech.ErrAudioNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audio not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, audio.MIME, audio.Data)
}

type evaluateRequest struct {
	Kind      string `json:"kind"` // "choice" 走逐字匹配，其余走相似度
	Answer    string `json:"answer"`
	Reference string `json:"reference"`
}

// handleEvaluate 评测离散题型。纯本地计算，无网络边界。
func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference required"})
		return
	}

	var result evaluate.Result
	if req.Kind == "choice" {
		result = evaluate.EvaluateChoice(req.Answer, req.Reference)
	} else {
		result = evaluate.Evaluate(req.Answer, req.Reference)
	}
	c.JSON(http.StatusOK, result)
}

// writeError 把引擎错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, err error) {
	var analysisErr *engine.AnalysisError
	var genErr *engine.GenerationError

	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, engine.ErrSessionCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.As(err, &analysisErr), errors.As(err, &genErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
