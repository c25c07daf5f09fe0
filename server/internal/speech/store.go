package speech

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAudioNotFound = errors.New("audio not found")

// Audio 是一段合成好的语音资源。
type Audio struct {
	ID        string
	MIME      string
	Data      []byte
	CreatedAt time.Time
}

// Store 按 ID 保存合成音频，供播放接口取用。
type Store interface {
	Put(ctx context.Context, a Audio) error
	Get(ctx context.Context, id string) (Audio, error)
	// Delete 清理不再需要的音频（会话销毁时调用）。
	Delete(ctx context.Context, id string) error
}

// InMemoryStore 是基于内存的音频存储实现。
// 音频只在会话存续期间有意义，不做持久化。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Audio
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Audio)}
}

func (s *InMemoryStore) Put(_ context.Context, a Audio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[a.ID] = a
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Audio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.data[id]
	if !ok {
		return Audio{}, ErrAudioNotFound
	}
	return a, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}
