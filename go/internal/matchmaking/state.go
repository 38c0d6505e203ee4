package matchmaking

import (
	"github.com/mcdev12/symbolduel/go/internal/models"
)

// State is a matchmaking coordinator state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateInLobby
	StateJoiningRandom
	StateCreatingRoom
	StateInRoom
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateInLobby:
		return "InLobby"
	case StateJoiningRandom:
		return "JoiningRandom"
	case StateCreatingRoom:
		return "CreatingRoom"
	case StateInRoom:
		return "InRoom"
	case StatePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Transition is published to subscribers on every state change. Role and
// RoomID are only meaningful when To is StateInRoom.
type Transition struct {
	From    State
	To      State
	Role    models.SessionRole
	RoomID  string
	Attempt uint64
}

// Snapshot is a consistent read of the coordinator.
type Snapshot struct {
	State       State
	Role        models.SessionRole
	RoomID      string
	Attempt     uint64
	Outstanding bool
}
