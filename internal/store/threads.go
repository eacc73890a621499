package store

import (
	"errors"

	"gorm.io/gorm"

	"mailsync/internal/models"
)

// 按主题匹配时最多比较的候选会话数
const subjectCandidates = 5

// threadTx 提交事务内的会话查询
type threadTx struct {
	tx *gorm.DB
}

func (t threadTx) ThreadByGThrID(namespaceID uint, gthrid uint64) (*models.Thread, error) {
	var thread models.Thread
	err := t.tx.Unscoped().Where("namespace_id = ? AND g_thrid = ?", namespaceID, gthrid).First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if thread.DeletedAt.Valid {
		if err := t.tx.Unscoped().Model(&thread).Update("deleted_at", nil).Error; err != nil {
			return nil, err
		}
		thread.DeletedAt = gorm.DeletedAt{}
	}
	return &thread, nil
}

func (t threadTx) ThreadsByCleanSubject(namespaceID uint, cleanSubject string) ([]models.Thread, error) {
	var threads []models.Thread
	err := t.tx.Where("namespace_id = ? AND clean_subject = ? AND g_thrid IS NULL", namespaceID, cleanSubject).
		Order("id DESC").
		Limit(subjectCandidates).
		Find(&threads).Error
	return threads, err
}

func (t threadTx) CountThreadMessages(threadID uint) (int, error) {
	var count int64
	err := t.tx.Model(&models.Message{}).Where("thread_id = ?", threadID).Count(&count).Error
	return int(count), err
}

func (t threadTx) CreateThread(thread *models.Thread) error {
	return t.tx.Create(thread).Error
}
