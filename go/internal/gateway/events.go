package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/models"
)

// Envelope is the structure of every message sent to a presentation client.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType names an outbound message.
type EventType string

const (
	EventTypeMatchmaking        EventType = "Matchmaking"
	EventTypeParticipantEntered EventType = "ParticipantEntered"
	EventTypeParticipantLeft    EventType = "ParticipantLeft"
	EventTypeRoundState         EventType = "RoundState"
	EventTypeCountdown          EventType = "Countdown"
	EventTypeTarget             EventType = "Target"
	EventTypeLocalScore         EventType = "LocalScore"
	EventTypePeerScore          EventType = "PeerScore"
	EventTypeFeedback           EventType = "Feedback"
	EventTypeRoundResult        EventType = "RoundResult"
	EventTypeError              EventType = "Error"
)

type MatchmakingPayload struct {
	From   string `json:"from"`
	State  string `json:"state"`
	Role   string `json:"role,omitempty"`
	RoomID string `json:"room_id,omitempty"`
}

type ParticipantPayload struct {
	Originator string `json:"originator"`
	Slot       int    `json:"slot"`
	Role       string `json:"role"`
	ViewID     string `json:"view_id,omitempty"`
	Local      bool   `json:"local"`
}

type RoundStatePayload struct {
	From    string `json:"from"`
	State   string `json:"state"`
	Scores  []int  `json:"scores"`
	Aborted bool   `json:"aborted,omitempty"`
}

type CountdownPayload struct {
	Cue string `json:"cue"`
}

type TargetPayload struct {
	Symbol string `json:"symbol"`
	Color  string `json:"color"`
}

type ScorePayload struct {
	Slot   int `json:"slot"`
	Score  int `json:"score"`
	Streak int `json:"streak,omitempty"`
}

type FeedbackPayload struct {
	Slot int    `json:"slot"`
	Kind string `json:"kind"`
	On   bool   `json:"on"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ResultPayload is a resolved round.
type ResultPayload = history.Record

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// CommandType names an inbound message.
type CommandType string

const (
	CommandChooseColor  CommandType = "choose_color"
	CommandChooseSymbol CommandType = "choose_symbol"
	CommandSubmit       CommandType = "submit"
	CommandStartRound   CommandType = "start_round"
	CommandPause        CommandType = "pause"
	CommandResume       CommandType = "resume"
)

var ErrUnknownCommand = errors.New("unknown command")

// ClientMessage is a message received from a presentation client.
type ClientMessage struct {
	Type   CommandType `json:"type"`
	Color  string      `json:"color,omitempty"`
	Symbol string      `json:"symbol,omitempty"`
}

// Command is a validated client message.
type Command struct {
	Type   CommandType
	Color  models.Color
	Symbol models.SymbolType
}

// ParseClientMessage decodes and validates an inbound message.
func ParseClientMessage(raw []byte) (Command, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Command{}, fmt.Errorf("decode client message: %w", err)
	}
	cmd := Command{Type: msg.Type}
	switch msg.Type {
	case CommandChooseColor:
		c, err := models.ParseColor(msg.Color)
		if err != nil {
			return Command{}, err
		}
		cmd.Color = c
	case CommandChooseSymbol:
		s, err := models.ParseSymbol(msg.Symbol)
		if err != nil {
			return Command{}, err
		}
		cmd.Symbol = s
	case CommandSubmit, CommandStartRound, CommandPause, CommandResume:
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
	}
	return cmd, nil
}
