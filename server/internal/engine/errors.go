package engine

import (
	"errors"
	"fmt"
)

// ErrInFlight 表示同一阶段已有一个未完成的外部请求（重入保护）。
var ErrInFlight = errors.New("request for this stage is already in flight")

// ErrSessionCompleted 表示会话已达轮数上限，不再接受新的轮次。
var ErrSessionCompleted = errors.New("session is complete, no further turns accepted")

// AnalysisError 表示题目分析调用失败或返回结构不完整。
// 可重试：会话停留在 analyzing，由上层决定是否重发。
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("topic analysis failed (retryable): %v", e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// GenerationError 表示开场或续写生成失败（含一次自动重试之后）。
// 可重试：Transcript 保持调用前的状态，重发是安全的。
type GenerationError struct {
	Stage string // "opening" or "continuation"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed (retryable): %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
