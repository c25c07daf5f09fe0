package session

import "context"

// Store 管理活跃会话。会话不做持久化：结果的持久存储是外部协作方的职责。
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// Delete 销毁会话（用户放弃或完成后清理）。
	Delete(ctx context.Context, id string) error
}
