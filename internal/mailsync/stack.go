package mailsync

import "github.com/bradenaw/juniper/xmaps"

// uidStack 回填下载栈，按UID升序排列，从栈顶（最大UID）开始下载
type uidStack struct {
	uids    []uint32
	members xmaps.Set[uint32]
}

func newUIDStack(uids []uint32) *uidStack {
	s := &uidStack{uids: append([]uint32(nil), uids...)}
	sortUIDs(s.uids)
	s.members = xmaps.SetFromSlice(s.uids)
	return s
}

func (s *uidStack) Len() int {
	return len(s.members)
}

func (s *uidStack) Has(uid uint32) bool {
	return s.members.Contains(uid)
}

// Pop 弹出栈顶仍在栈中的UID
func (s *uidStack) Pop() uint32 {
	for len(s.uids) > 0 {
		uid := s.uids[len(s.uids)-1]
		s.uids = s.uids[:len(s.uids)-1]
		if s.members.Contains(uid) {
			s.members.Remove(uid)
			return uid
		}
	}
	return 0
}

// Remove 从栈中去掉uids，实际的切片在Pop时惰性清理
func (s *uidStack) Remove(uids []uint32) {
	for _, uid := range uids {
		s.members.Remove(uid)
	}
}
