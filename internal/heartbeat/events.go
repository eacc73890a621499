package heartbeat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 状态流事件类型
type EventType string

const (
	EventFolderStatus  EventType = "folder_status"
	EventFolderCleared EventType = "folder_cleared"
	EventHeartbeat     EventType = "heartbeat"
)

// Event 状态流事件
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	AccountID uint        `json:"account_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// FolderClearedData 文件夹停止同步事件数据
type FolderClearedData struct {
	AccountID uint `json:"account_id"`
	FolderID  uint `json:"folder_id"`
}

// NewEvent 创建事件
func NewEvent(eventType EventType, accountID uint, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewHeartbeatEvent 保持连接的心跳事件
func NewHeartbeatEvent() *Event {
	return NewEvent(EventHeartbeat, 0, nil)
}

// ToSSEFormat 将事件转换为SSE格式
func (e *Event) ToSSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	// json.Marshal 的输出不含换行，单行data即可
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)), nil
}
