package mailsync

import "fmt"

// State 文件夹同步状态，持久化为字符串标签
type State string

const (
	StateInitial           State = "initial"
	StateInitialUIDInvalid State = "initial_uidinvalid"
	StatePoll              State = "poll"
	StatePollUIDInvalid    State = "poll_uidinvalid"
	StateFinish            State = "finish"
)

// transitions 合法的状态转换
var transitions = map[State][]State{
	StateInitial:           {StatePoll, StateInitialUIDInvalid, StateFinish},
	StateInitialUIDInvalid: {StateInitial, StateFinish},
	StatePoll:              {StatePoll, StatePollUIDInvalid, StateFinish},
	StatePollUIDInvalid:    {StatePoll, StateFinish},
	StateFinish:            {},
}

// ParseState 解析持久化的状态标签，空值视为initial
func ParseState(s string) (State, error) {
	if s == "" {
		return StateInitial, nil
	}
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown sync state %q", s)
	}
	return st, nil
}

// CanTransition 判断转换是否合法
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// UIDInvalid 返回UIDVALIDITY失效时要进入的状态
func (s State) UIDInvalid() (State, bool) {
	switch s {
	case StateInitial:
		return StateInitialUIDInvalid, true
	case StatePoll:
		return StatePollUIDInvalid, true
	}
	return "", false
}

// Resume 返回失效处理完成后恢复的状态
func (s State) Resume() State {
	switch s {
	case StateInitialUIDInvalid:
		return StateInitial
	case StatePollUIDInvalid:
		return StatePoll
	}
	return s
}

// IsRunning 文件夹已进入稳定轮询
func (s State) IsRunning() bool {
	return s == StatePoll || s == StatePollUIDInvalid
}

func (s State) String() string {
	return string(s)
}
