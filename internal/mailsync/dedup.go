package mailsync

import (
	"context"

	"github.com/bradenaw/juniper/xslices"

	"mailsync/internal/providers"
)

// Deduplicator 把待下载的UID分为需要下载正文的和只需要关联到已有消息的
type Deduplicator interface {
	Partition(ctx context.Context, s providers.Session, ref FolderRef, uids []uint32) (download []uint32, link []providers.MessageMeta, err error)
}

// NoDedup 不去重，全部下载
type NoDedup struct{}

// Partition 实现Deduplicator
func (NoDedup) Partition(_ context.Context, _ providers.Session, _ FolderRef, uids []uint32) ([]uint32, []providers.MessageMeta, error) {
	return uids, nil, nil
}

// GMsgIDDedup 按g_msgid去重。本地已有的g_msgid只建立UID映射；
// 同一批次中重复的g_msgid只下载第一次出现的UID，其余在提交后关联
type GMsgIDDedup struct {
	Store Store
	Chunk int
}

// Partition 实现Deduplicator
func (d GMsgIDDedup) Partition(ctx context.Context, s providers.Session, ref FolderRef, uids []uint32) ([]uint32, []providers.MessageMeta, error) {
	if len(uids) == 0 {
		return nil, nil, nil
	}

	var metas []providers.MessageMeta
	for _, chunk := range xslices.Chunk(uids, chunkSize(d.Chunk)) {
		m, err := s.FetchMetadata(ctx, chunk)
		if err != nil {
			return nil, nil, err
		}
		metas = append(metas, m...)
	}

	ids := xslices.Map(xslices.Filter(metas, func(m providers.MessageMeta) bool {
		return m.GMsgID != 0
	}), func(m providers.MessageMeta) uint64 {
		return m.GMsgID
	})
	existing, err := d.Store.ExistingGMsgIDs(ctx, ref.NamespaceID, ids)
	if err != nil {
		return nil, nil, err
	}

	var download []uint32
	var link []providers.MessageMeta
	seen := make(map[uint64]bool, len(metas))
	for _, m := range metas {
		switch {
		case m.GMsgID == 0:
			download = append(download, m.UID)
		case existing[m.GMsgID] || seen[m.GMsgID]:
			link = append(link, m)
		default:
			seen[m.GMsgID] = true
			download = append(download, m.UID)
		}
	}
	return download, link, nil
}

func chunkSize(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
