package domain

import (
	"encoding/json"
	"fmt"
	"os"
)

// Scene 是内容库里的一个练习场景及其测试题目。
// 内容的生产与存储是外部协作方的职责，这里只读取快照。
type Scene struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	Tests       []TestItem `json:"tests"`
}

// TestItem 是场景下的一道测试题目。
type TestItem struct {
	ID string `json:"id"`
	// Kind 区分开放对话与离散题型（open / choice / fill-blank / short-answer）。
	Kind  string `json:"kind"`
	Topic string `json:"topic"`
	// Reference 是离散题型的参考答案；开放对话为空。
	Reference string   `json:"reference,omitempty"`
	Options   []string `json:"options,omitempty"`
	MaxRounds int      `json:"max_rounds,omitempty"`
}

// LoadScenes 从指定路径加载场景目录。
func LoadScenes(path string) ([]Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenes: %w", err)
	}

	var scenes []Scene
	if err := json.Unmarshal(data, &scenes); err != nil {
		return nil, fmt.Errorf("parse scenes: %w", err)
	}

	return scenes, nil
}

// FindTest 在场景目录中定位一道题目。
func FindTest(scenes []Scene, sceneID, testID string) (Scene, TestItem, bool) {
	for _, s := range scenes {
		if s.ID != sceneID {
			continue
		}
		for _, t := range s.Tests {
			if t.ID == testID {
				return s, t, true
			}
		}
	}
	return Scene{}, TestItem{}, false
}
