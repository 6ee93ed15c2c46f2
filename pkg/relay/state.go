package relay

// State is a turn's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateUserMessageSaved
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateUserMessageSaved: "user_message_saved",
	StateRequesting:       "requesting",
	StateStreaming:        "streaming",
	StateCompleted:        "completed",
	StateFailed:           "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the legal successors of each state. Nothing reaches
// Requesting without passing UserMessageSaved.
var transitions = map[State][]State{
	StateIdle:             {StateUserMessageSaved, StateFailed},
	StateUserMessageSaved: {StateRequesting, StateFailed},
	StateRequesting:       {StateStreaming, StateFailed},
	StateStreaming:        {StateCompleted, StateFailed},
}

func (s State) canAdvance(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
