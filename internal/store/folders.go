package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// Gmail只同步这些文件夹，其它标签通过X-GM-LABELS同步
var gmailSyncRoles = []string{models.CanonicalAll, models.CanonicalTrash, models.CanonicalSpam}

// 普通IMAP按此顺序同步有角色的文件夹，其余文件夹按名称排在后面
var folderRoleOrder = map[string]int{
	models.CanonicalInbox:     0,
	models.CanonicalSent:      1,
	models.CanonicalDrafts:    2,
	models.CanonicalArchive:   3,
	models.CanonicalAll:       4,
	models.CanonicalStarred:   5,
	models.CanonicalImportant: 6,
	models.CanonicalSpam:      7,
	models.CanonicalTrash:     8,
}

// SaveFolderNames 用远端文件夹列表更新本地文件夹：删除远端已不存在的文件夹，
// 规范文件夹改名时保留原记录，创建新文件夹。返回需要同步的文件夹，收件箱在前
func (s *Store) SaveFolderNames(ctx context.Context, accountID uint, remote []providers.FolderInfo, gmail bool) ([]models.Folder, error) {
	var result []models.Folder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var local []models.Folder
		if err := tx.Where("account_id = ?", accountID).Find(&local).Error; err != nil {
			return err
		}

		remoteByName := make(map[string]providers.FolderInfo, len(remote))
		roleName := make(map[string]string)
		for _, f := range remote {
			name := models.TruncateFolderName(f.Name)
			if name == "" {
				continue
			}
			f.Name = name
			if _, ok := remoteByName[name]; ok {
				continue
			}
			if f.Role != "" {
				if _, taken := roleName[f.Role]; taken {
					f.Role = ""
				} else {
					roleName[f.Role] = name
				}
			}
			remoteByName[name] = f
		}

		localByName := make(map[string]*models.Folder, len(local))
		for i := range local {
			localByName[local[i].Name] = &local[i]
		}

		// 规范文件夹改名：保留记录和其下的UID映射
		for i := range local {
			folder := &local[i]
			if folder.CanonicalName == "" {
				continue
			}
			target, ok := roleName[folder.CanonicalName]
			if !ok || target == folder.Name {
				continue
			}
			if _, clash := localByName[target]; clash {
				continue
			}
			if _, stillThere := remoteByName[folder.Name]; stillThere {
				continue
			}
			oldName := folder.Name
			if err := tx.Model(folder).Update("name", target).Error; err != nil {
				return fmt.Errorf("failed to rename folder %q: %w", oldName, err)
			}
			s.logger.WithFields(logrus.Fields{
				"account_id": accountID,
				"from":       oldName,
				"to":         target,
			}).Info("Renamed canonical folder")
			delete(localByName, oldName)
			folder.Name = target
			localByName[target] = folder
		}

		// 删除远端已不存在的文件夹，UID映射和同步状态随之级联删除
		for name, folder := range localByName {
			if _, ok := remoteByName[name]; ok {
				continue
			}
			if err := deleteFolder(tx, folder); err != nil {
				return err
			}
			s.logger.WithFields(logrus.Fields{"account_id": accountID, "folder": name}).Info("Deleted folder gone from remote")
			delete(localByName, name)
		}

		for name, info := range remoteByName {
			folder, ok := localByName[name]
			if !ok {
				folder = &models.Folder{
					AccountID:     accountID,
					Name:          name,
					CanonicalName: info.Role,
					Delimiter:     info.Delimiter,
				}
				if err := tx.Create(folder).Error; err != nil {
					return fmt.Errorf("failed to create folder %q: %w", name, err)
				}
				localByName[name] = folder
				continue
			}
			if folder.CanonicalName != info.Role || folder.Delimiter != info.Delimiter {
				err := tx.Model(folder).Updates(map[string]interface{}{
					"canonical_name": info.Role,
					"delimiter":      info.Delimiter,
				}).Error
				if err != nil {
					return err
				}
				folder.CanonicalName, folder.Delimiter = info.Role, info.Delimiter
			}
		}

		var err error
		result, err = foldersToSync(localByName, remoteByName, gmail)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func deleteFolder(tx *gorm.DB, folder *models.Folder) error {
	var messageIDs []uint
	err := tx.Model(&models.ImapUID{}).Where("folder_id = ?", folder.ID).Distinct().Pluck("message_id", &messageIDs).Error
	if err != nil {
		return err
	}
	if err := tx.Where("folder_id = ?", folder.ID).Delete(&models.ImapUID{}).Error; err != nil {
		return err
	}
	if err := tx.Where("folder_id = ?", folder.ID).Delete(&models.FolderSyncStatus{}).Error; err != nil {
		return err
	}
	if err := tx.Where("folder_id = ?", folder.ID).Delete(&models.ImapFolderInfo{}).Error; err != nil {
		return err
	}
	if err := touchMessages(tx, messageIDs); err != nil {
		return err
	}
	if err := tx.Delete(folder).Error; err != nil {
		return fmt.Errorf("failed to delete folder %q: %w", folder.Name, err)
	}
	return nil
}

func foldersToSync(local map[string]*models.Folder, remote map[string]providers.FolderInfo, gmail bool) ([]models.Folder, error) {
	byRole := make(map[string]*models.Folder)
	for _, f := range local {
		if f.CanonicalName != "" {
			byRole[f.CanonicalName] = f
		}
	}

	if gmail {
		if byRole[models.CanonicalAll] == nil {
			return nil, mailsync.ErrGmailSettings
		}
		var out []models.Folder
		for _, role := range gmailSyncRoles {
			if f := byRole[role]; f != nil {
				out = append(out, *f)
			}
		}
		return out, nil
	}

	if byRole[models.CanonicalInbox] == nil {
		return nil, mailsync.ErrNoInbox
	}
	out := make([]models.Folder, 0, len(local))
	for name, f := range local {
		if info, ok := remote[name]; ok && !info.IsSelectable {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, iok := folderRoleOrder[out[i].CanonicalName]
		oj, jok := folderRoleOrder[out[j].CanonicalName]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
