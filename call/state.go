package call

import "fmt"

// State is the lifecycle position of a bridged call. States are ranked by
// their numeric value and a call only ever moves to a higher rank.
type State int

const (
	Created State = iota
	Invited
	Accepted
	Failed
	Hungup
)

var stateNames = [...]string{"CREATED", "INVITED", "ACCEPTED", "FAILED", "HUNGUP"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// IsTerminal reports whether the call is over.
func (s State) IsTerminal() bool {
	return s == Failed || s == Hungup
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return Created
}

// Direction tells which side placed the call.
type Direction int

const (
	FromChat Direction = iota
	FromBackend
)

func (d Direction) String() string {
	switch d {
	case FromChat:
		return "chat"
	case FromBackend:
		return "backend"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// Action names a signalling primitive relayed from a telephony backend
// towards the chat side.
type Action int

const (
	ActionInvite Action = iota
	ActionCandidates
	ActionAccept
	ActionHangup
)

func (a Action) String() string {
	switch a {
	case ActionInvite:
		return "invite"
	case ActionCandidates:
		return "candidates"
	case ActionAccept:
		return "accept"
	case ActionHangup:
		return "hangup"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Relay is a notification that the backend produced signalling which has to
// be sent out on the chat side.
type Relay struct {
	Action     Action
	SDP        string
	Candidates []string
}
