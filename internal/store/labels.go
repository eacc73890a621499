package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailsync/internal/models"
)

// syncLabels 把UID映射的标签替换为labels，标签对象按名称查找或创建
func syncLabels(tx *gorm.DB, accountID, imapUIDID uint, labels []string) error {
	ids := make([]uint, 0, len(labels))
	seen := make(map[uint]bool, len(labels))
	for _, name := range labels {
		label, err := findOrCreateLabel(tx, accountID, name)
		if err != nil {
			return err
		}
		if label == nil || seen[label.ID] {
			continue
		}
		seen[label.ID] = true
		ids = append(ids, label.ID)
	}

	if err := tx.Where("imap_uid_id = ?", imapUIDID).Delete(&models.ImapUIDLabel{}).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	links := make([]models.ImapUIDLabel, len(ids))
	for i, id := range ids {
		links[i] = models.ImapUIDLabel{ImapUIDID: imapUIDID, LabelID: id}
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error
}

// findOrCreateLabel 按规范化名称查找或创建标签，空名称返回nil
func findOrCreateLabel(tx *gorm.DB, accountID uint, name string) (*models.Label, error) {
	normalized, canonical := models.NormalizeLabelName(name)
	if normalized == "" {
		return nil, nil
	}

	var label models.Label
	err := tx.Where("account_id = ? AND name = ?", accountID, normalized).First(&label).Error
	if err == nil {
		return &label, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	label = models.Label{AccountID: accountID, Name: normalized, CanonicalName: canonical}
	if err := tx.Create(&label).Error; err != nil {
		return nil, err
	}
	return &label, nil
}
