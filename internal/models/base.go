package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel 基础模型，同步记录使用硬删除
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SoftDeleteModel 可软删除的模型，消息和会话由回收任务标记删除
type SoftDeleteModel struct {
	BaseModel
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
