package fetcher

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Truncated
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Truncated:
		return "truncated"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Idle:       {Connecting, Failed},
	Connecting: {Streaming, Completed, Failed},
	Streaming:  {Truncated, Completed, Failed},
	Truncated:  {Completed, Failed},
}

func (s State) Terminal() bool { return s == Completed || s == Failed }

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	state    State
	onChange func(from, to State)
}

func (m *machine) to(next State) error {
	if !canTransition(m.state, next) {
		return fmt.Errorf("fetcher: illegal transition %s -> %s", m.state, next)
	}
	prev := m.state
	m.state = next
	if m.onChange != nil {
		m.onChange(prev, next)
	}
	return nil
}
