package mailsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/bradenaw/juniper/xmaps"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"mailsync/internal/providers"
)

// ChangeSet 一次检查发现的变更
type ChangeSet struct {
	// UIDs 新增或可能已修改的UID，由调用方按本地是否存在区分
	UIDs        []uint32
	UIDValidity uint32
	ModSeq      uint64

	// CheckDeletes 处理完后需要对比远端UID删除本地映射
	CheckDeletes bool
	// Remote 检查时已获取的远端UID，nil表示需要重新获取
	Remote []uint32
}

// ChangeDetector 检测文件夹的远端变更
type ChangeDetector interface {
	// Detect 返回nil表示没有需要处理的变更。backfill为true时由初始同步的ChangePoller调用
	Detect(ctx context.Context, s providers.Session, ref FolderRef, backfill bool) (*ChangeSet, error)
	// Checkpoint 变更处理成功后记录检查点
	Checkpoint(ctx context.Context, ref FolderRef, cs *ChangeSet) error
}

// PollingDetector 没有CONDSTORE时通过完整的UID列表检测新邮件和删除，
// 并重新获取最新的若干封邮件的标志
type PollingDetector struct {
	Store           Store
	RefreshFlagsMax int
}

// Detect 实现ChangeDetector
func (d PollingDetector) Detect(ctx context.Context, s providers.Session, ref FolderRef, backfill bool) (*ChangeSet, error) {
	status, err := selectChecked(ctx, s, d.Store, ref)
	if err != nil {
		return nil, err
	}
	remote, err := s.AllUIDs(ctx)
	if err != nil {
		return nil, err
	}
	local, err := d.Store.LocalUIDs(ctx, ref.AccountID, ref.FolderID)
	if err != nil {
		return nil, err
	}

	remoteSet := xmaps.SetFromSlice(remote)
	refresh := newestUIDs(xslices.Filter(local, remoteSet.Contains), d.RefreshFlagsMax)

	if backfill {
		if len(refresh) == 0 {
			return nil, nil
		}
		return &ChangeSet{UIDs: refresh, UIDValidity: status.UIDValidity}, nil
	}

	newUIDs, _ := diffUIDs(remote, local)
	return &ChangeSet{
		UIDs:         append(newUIDs, refresh...),
		UIDValidity:  status.UIDValidity,
		CheckDeletes: true,
		Remote:       remote,
	}, nil
}

// Checkpoint 轮询没有检查点
func (PollingDetector) Checkpoint(context.Context, FolderRef, *ChangeSet) error {
	return nil
}

// ModSeqDetector 通过HIGHESTMODSEQ检测变更
type ModSeqDetector struct {
	Store  Store
	Logger *logrus.Entry
}

// Detect 实现ChangeDetector
func (d ModSeqDetector) Detect(ctx context.Context, s providers.Session, ref FolderRef, backfill bool) (*ChangeSet, error) {
	status, err := selectChecked(ctx, s, d.Store, ref)
	if err != nil {
		return nil, err
	}
	info, err := d.Store.FolderInfo(ctx, ref.AccountID, ref.FolderID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("folder info missing for %q", ref.Name)
	}

	saved, current := info.HighestModSeq, status.HighestModSeq
	switch {
	case current == saved:
		return nil, nil
	case current < saved:
		d.logger().WithFields(logrus.Fields{
			"account_id":     ref.AccountID,
			"folder":         ref.Name,
			"saved_modseq":   saved,
			"current_modseq": current,
		}).Warn("Highestmodseq went down, ignoring")
		return nil, nil
	}

	uids, err := s.UIDsChangedSince(ctx, saved)
	if err != nil {
		return nil, err
	}
	return &ChangeSet{
		UIDs:         uids,
		UIDValidity:  status.UIDValidity,
		ModSeq:       current,
		CheckDeletes: true,
	}, nil
}

// Checkpoint 变更处理成功后保存新的HIGHESTMODSEQ
func (d ModSeqDetector) Checkpoint(ctx context.Context, ref FolderRef, cs *ChangeSet) error {
	if cs == nil || cs.ModSeq == 0 {
		return nil
	}
	return d.Store.SaveFolderInfo(ctx, ref.AccountID, ref.FolderID, cs.UIDValidity, cs.ModSeq)
}

func (d ModSeqDetector) logger() *logrus.Entry {
	if d.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.Logger
}

// selectChecked 选中文件夹并检查UIDVALIDITY，首次遇到文件夹时保存UIDVALIDITY和HIGHESTMODSEQ
func selectChecked(ctx context.Context, s providers.Session, st Store, ref FolderRef) (*providers.FolderStatus, error) {
	status, err := s.SelectFolder(ctx, ref.Name)
	if err != nil {
		if providers.IsFolderNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrFolderGone, ref.Name)
		}
		return nil, err
	}

	info, err := st.FolderInfo(ctx, ref.AccountID, ref.FolderID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		if err := st.SaveFolderInfo(ctx, ref.AccountID, ref.FolderID, status.UIDValidity, status.HighestModSeq); err != nil {
			return nil, err
		}
		return status, nil
	}
	if info.UIDValidity != status.UIDValidity {
		return nil, fmt.Errorf("%w: %s saved %d, got %d", ErrUIDInvalid, ref.Name, info.UIDValidity, status.UIDValidity)
	}
	return status, nil
}

// diffUIDs 返回远端有而本地没有的UID，以及本地有而远端没有的UID，均按升序
func diffUIDs(remote, local []uint32) (added, deleted []uint32) {
	remoteSet := xmaps.SetFromSlice(remote)
	localSet := xmaps.SetFromSlice(local)

	added = xslices.Filter(remote, func(uid uint32) bool { return !localSet.Contains(uid) })
	deleted = xslices.Filter(local, func(uid uint32) bool { return !remoteSet.Contains(uid) })
	sortUIDs(added)
	sortUIDs(deleted)
	return added, deleted
}

// newestUIDs 返回最大的n个UID
func newestUIDs(uids []uint32, n int) []uint32 {
	if n <= 0 {
		return nil
	}
	out := xslices.Clone(uids)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}
