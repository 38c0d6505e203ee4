package directory

import "github.com/mcdev12/symbolduel/go/internal/models"

// Event is a relay callback. The concrete types below are the only implementations.
type Event interface{ isDirectoryEvent() }

// ConnectedAck reports a successful Connect. The lobby is joined automatically.
type ConnectedAck struct {
	Participant models.ParticipantID
}

// ConnectFailed reports a Connect that could not reach the relay.
type ConnectFailed struct {
	Err error
}

// Disconnected reports the loss of the relay connection.
type Disconnected struct {
	Err error
}

// JoinSucceeded answers JoinRandomRoom with the joined room.
type JoinSucceeded struct {
	Attempt uint64
	RoomID  string
	Visible bool
}

// JoinFailed answers JoinRandomRoom when no open room could be joined.
type JoinFailed struct {
	Attempt uint64
	Err     error
}

// RoomCreated answers CreateRoom on success.
type RoomCreated struct {
	Attempt uint64
	RoomID  string
	Visible bool
}

// CreateFailed answers CreateRoom on failure, usually an identifier collision.
type CreateFailed struct {
	Attempt uint64
	RoomID  string
	Err     error
}

// LeftRoom answers LeaveRoom.
type LeftRoom struct {
	RoomID string
}

// ParticipantCountChanged reports the current head count of the joined room.
type ParticipantCountChanged struct {
	RoomID string
	Count  int
}

// EventReceived delivers a broadcast event raised by Sender.
type EventReceived struct {
	Code    EventCode
	Payload []byte
	Sender  models.ParticipantID
}

func (ConnectedAck) isDirectoryEvent()            {}
func (ConnectFailed) isDirectoryEvent()           {}
func (Disconnected) isDirectoryEvent()            {}
func (JoinSucceeded) isDirectoryEvent()           {}
func (JoinFailed) isDirectoryEvent()              {}
func (RoomCreated) isDirectoryEvent()             {}
func (CreateFailed) isDirectoryEvent()            {}
func (LeftRoom) isDirectoryEvent()                {}
func (ParticipantCountChanged) isDirectoryEvent() {}
func (EventReceived) isDirectoryEvent()           {}
