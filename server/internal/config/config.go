package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Speech    SpeechConfig    `yaml:"speech"`
	Session   SessionConfig   `yaml:"session"`
	Validator ValidatorConfig `yaml:"validator"`
	Logging   LoggingConfig   `yaml:"logging"`
	Paths     PathsConfig     `yaml:"paths"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LLMConfig 大模型调用配置（题目分析/对话生成/对话评测共用）
type LLMConfig struct {
	Provider   string            `yaml:"provider"` // "openai", "openrouter" or "anthropic"
	OpenAI     LLMProviderConfig `yaml:"openai"`
	OpenRouter LLMProviderConfig `yaml:"openrouter"`
	Anthropic  LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// SpeechConfig 语音合成配置（Azure TTS）
type SpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Region  string `yaml:"region"`
	Voice   string `yaml:"voice"`
}

// SessionConfig 会话引擎配置
type SessionConfig struct {
	// DefaultMaxRounds 是未显式指定时的对话轮数上限。
	DefaultMaxRounds int `yaml:"default_max_rounds"`
	// HistoryWindow 是续写提示词保留的最近轮次数（调优参数，非正确性约束）。
	HistoryWindow int `yaml:"history_window"`
	// LLMTimeout/SpeechTimeout 限制单次外部调用的最长等待。
	LLMTimeout    time.Duration `yaml:"llm_timeout"`
	SpeechTimeout time.Duration `yaml:"speech_timeout"`
	// FallbackOpening/FallbackReply 是生成或校验失败时的兜底台词。
	FallbackOpening string `yaml:"fallback_opening"`
	FallbackReply   string `yaml:"fallback_reply"`
}

// ValidatorConfig 回复校验配置。
// ForbiddenTerms 按 "AI角色/用户角色" 的键给出不应出现在 AI 回复里的词表
// （通常是强关联用户角色的词），用于角色一致性启发式检查。
type ValidatorConfig struct {
	ForbiddenTerms map[string][]string `yaml:"forbidden_terms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PathsConfig struct {
	Scenes string `yaml:"scenes"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// 从环境变量覆盖敏感信息
	if llmKey := os.Getenv("LLM_API_KEY"); llmKey != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = llmKey
		case "openrouter":
			cfg.LLM.OpenRouter.APIKey = llmKey
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = llmKey
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.LLM.OpenRouter.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("AZURE_SPEECH_KEY"); key != "" {
		cfg.Speech.Key = key
	}
	if region := os.Getenv("AZURE_SPEECH_REGION"); region != "" {
		cfg.Speech.Region = region
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// 打印关键配置
	fmt.Printf("📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   LLM Provider: %s\n", cfg.LLM.Provider)
	fmt.Printf("   Speech Enabled: %v (voice %s)\n", cfg.Speech.Enabled, cfg.Speech.Voice)
	fmt.Printf("   Max Rounds: %d, History Window: %d\n",
		cfg.Session.DefaultMaxRounds, cfg.Session.HistoryWindow)
	fmt.Printf("   Scenes Path: %s\n\n", cfg.Paths.Scenes)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Session.DefaultMaxRounds == 0 {
		c.Session.DefaultMaxRounds = 4
	}
	if c.Session.HistoryWindow == 0 {
		c.Session.HistoryWindow = 12
	}
	if c.Session.LLMTimeout == 0 {
		c.Session.LLMTimeout = 30 * time.Second
	}
	if c.Session.SpeechTimeout == 0 {
		c.Session.SpeechTimeout = 15 * time.Second
	}
	if c.Session.FallbackOpening == "" {
		c.Session.FallbackOpening = "Hello! Nice to meet you. How can I help you today?"
	}
	if c.Session.FallbackReply == "" {
		c.Session.FallbackReply = "I see. Could you tell me a little more about that?"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "en-US-AriaNeural"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "openrouter", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.providerConfig().APIKey == "" {
		return fmt.Errorf("LLM API key is required (set LLM_API_KEY env var or config)")
	}
	if c.Speech.Enabled && (c.Speech.Key == "" || c.Speech.Region == "") {
		return fmt.Errorf("speech is enabled but AZURE_SPEECH_KEY/AZURE_SPEECH_REGION are missing")
	}
	if c.Paths.Scenes == "" {
		return fmt.Errorf("scenes path is required")
	}
	return nil
}

func (c *Config) providerConfig() LLMProviderConfig {
	switch c.LLM.Provider {
	case "openrouter":
		return c.LLM.OpenRouter
	case "anthropic":
		return c.LLM.Anthropic
	default:
		return c.LLM.OpenAI
	}
}
