package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"scene-talk/server/internal/config"
)

// Synthesizer 把一句台词合成为可播放的音频资源，返回其引用 ID。
// 调用方必须容忍引用缺失（合成失败或未启用语音）而不让轮次失败。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, rate float64) (string, error)
}

// AzureSynthesizer 通过 Azure Cognitive Services 的 TTS REST 接口合成语音。
type AzureSynthesizer struct {
	cfg        config.SpeechConfig
	store      Store
	httpClient *http.Client
	now        func() time.Time
}

func NewAzureSynthesizer(cfg config.SpeechConfig, store Store) *AzureSynthesizer {
	return &AzureSynthesizer{
		cfg:   cfg,
		store: store,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// Synthesize 合成一段 MP3 音频并写入 Store，返回音频 ID。
// rate 是难度档位给出的语速倍率（1.0 为基准）。
func (a *AzureSynthesizer) Synthesize(ctx context.Context, text string, rate float64) (string, error) {
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	endpoint := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", a.cfg.Region)
	body := ssml(text, a.cfg.Voice, rate)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", "audio-16khz-32kbitrate-mono-mp3")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("TTS error (status %d): %s", resp.StatusCode, string(respBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	// 过小的响应体通常是空音频或错误页，视为合成失败。
	if len(data) < 100 {
		return "", fmt.Errorf("synthesized audio too small (%d bytes)", len(data))
	}

	audio := Audio{
		ID:        uuid.NewString(),
		MIME:      "audio/mpeg",
		Data:      data,
		CreatedAt: a.now(),
	}
	if err := a.store.Put(ctx, audio); err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}

	return audio.ID, nil
}

// ssml 组装带语速的 SSML 文档。rate 1.0 映射为 +0%，1.15 映射为 +15%。
// 百分比四舍五入：浮点乘法会把 0.15*100 算成 14.999...，截断会差一个点。
func ssml(text, voice string, rate float64) string {
	percent := int(math.Round((rate - 1.0) * 100))
	return fmt.Sprintf(
		`<speak version='1.0' xml:lang='en-US'><voice name='%s'><prosody rate='%+d%%'>%s</prosody></voice></speak>`,
		voice, percent, escapeXML(text))
}

func escapeXML(s string) string {
	var sb bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			sb.WriteString("&amp;")
		case '<':
			sb.WriteString("&lt;")
		case '>':
			sb.WriteString("&gt;")
		case '\'':
			sb.WriteString("&apos;")
		case '"':
			sb.WriteString("&quot;")
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
