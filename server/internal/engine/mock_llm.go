package engine

import (
	"context"
	"fmt"

	"scene-talk/server/internal/llm"
)

// MockLLMClient 用于测试的 Mock LLM 客户端。
// 按队列顺序消费预置的回复，队列耗尽后调用失败。
type MockLLMClient struct {
	// Responses 预置的回复队列
	Responses []string
	// FailNext 大于 0 时，接下来的 N 次调用直接失败
	FailNext  int
	CallCount int
}

// NewMockLLMClient 创建 Mock LLM 客户端
func NewMockLLMClient(responses ...string) *MockLLMClient {
	return &MockLLMClient{Responses: responses}
}

// Complete 模拟 LLM Complete 方法
func (m *MockLLMClient) Complete(ctx context.Context, messages []llm.Message, schema *llm.JSONSchema) (string, error) {
	m.CallCount++

	if m.FailNext > 0 {
		m.FailNext--
		return "", context.DeadlineExceeded
	}
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("mock has no responses")
	}

	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return resp, nil
}

// Push 向队列追加一条回复
func (m *MockLLMClient) Push(resp string) {
	m.Responses = append(m.Responses, resp)
}
