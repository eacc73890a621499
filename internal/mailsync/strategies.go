package mailsync

import (
	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// Strategies 引擎中随账户类型变化的部分
type Strategies struct {
	Name     string
	Detector ChangeDetector
	Dedup    Deduplicator
	Threads  ThreadAssigner

	// RemapUIDs UIDVALIDITY变化时按g_msgid重写UID映射，否则丢弃文件夹的全部映射
	RemapUIDs bool
	// IdleRole 可以IDLE等待的文件夹角色，空表示只按间隔轮询
	IdleRole string
}

// StrategiesFor 根据账户和服务器能力选择策略
func StrategiesFor(account *models.Account, caps providers.Capabilities, st Store, cfg config.SyncConfig, logger *logrus.Entry) Strategies {
	subject := SubjectThreads{MaxLength: cfg.MaxThreadLength}

	switch {
	case account.IsGmail() && caps.Gmail:
		return Strategies{
			Name:      "gmail",
			Detector:  ModSeqDetector{Store: st, Logger: logger},
			Dedup:     GMsgIDDedup{Store: st, Chunk: cfg.FetchChunk},
			Threads:   GThrIDThreads{},
			RemapUIDs: true,
			IdleRole:  models.CanonicalAll,
		}
	case caps.Condstore:
		return Strategies{
			Name:     "condstore",
			Detector: ModSeqDetector{Store: st, Logger: logger},
			Dedup:    NoDedup{},
			Threads:  subject,
			IdleRole: models.CanonicalInbox,
		}
	default:
		return Strategies{
			Name:     "generic",
			Detector: PollingDetector{Store: st, RefreshFlagsMax: cfg.RefreshFlagsMax},
			Dedup:    NoDedup{},
			Threads:  subject,
		}
	}
}
