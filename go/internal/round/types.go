package round

import (
	"time"

	"github.com/mcdev12/symbolduel/go/internal/models"
	"gopkg.in/yaml.v3"
)

// State is a round lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCountdown
	StateActive
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCountdown:
		return "Countdown"
	case StateActive:
		return "Active"
	case StateResolving:
		return "Resolving"
	default:
		return "Unknown"
	}
}

// Cue is one step of the countdown sequence.
type Cue int

const (
	CueReady Cue = iota
	CueThree
	CueTwo
	CueOne
	CueGo
)

var cueSequence = []Cue{CueReady, CueThree, CueTwo, CueOne, CueGo}

func (c Cue) String() string {
	switch c {
	case CueReady:
		return "ready"
	case CueThree:
		return "3"
	case CueTwo:
		return "2"
	case CueOne:
		return "1"
	case CueGo:
		return "go"
	default:
		return "unknown"
	}
}

// StreakPolicy decides when the streak bonus is awarded.
type StreakPolicy int

const (
	// StreakBonusOnce awards the bonus when the streak reaches the threshold
	// exactly. The streak keeps counting afterwards without further bonuses.
	StreakBonusOnce StreakPolicy = iota
	// StreakBonusRepeat awards the bonus at every multiple of the threshold.
	StreakBonusRepeat
	// StreakBonusReset awards the bonus and resets the streak to zero.
	StreakBonusReset
)

func (p StreakPolicy) String() string {
	switch p {
	case StreakBonusRepeat:
		return "repeat"
	case StreakBonusReset:
		return "reset"
	default:
		return "once"
	}
}

// UnmarshalText accepts "once", "repeat" and "reset" so the policy can be set
// from YAML and environment variables.
func (p *StreakPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "once":
		*p = StreakBonusOnce
	case "repeat":
		*p = StreakBonusRepeat
	case "reset":
		*p = StreakBonusReset
	default:
		return ErrUnknownPolicy
	}
	return nil
}

// UnmarshalYAML decodes the policy name.
func (p *StreakPolicy) UnmarshalYAML(value *yaml.Node) error {
	return p.UnmarshalText([]byte(value.Value))
}

// Scoring holds the point values of the adjudication rule.
type Scoring struct {
	MatchPoints     int          `yaml:"match_points" env:"ROUND_MATCH_POINTS"`
	MismatchPenalty int          `yaml:"mismatch_penalty" env:"ROUND_MISMATCH_PENALTY"`
	StreakThreshold int          `yaml:"streak_threshold" env:"ROUND_STREAK_THRESHOLD"`
	StreakBonus     int          `yaml:"streak_bonus" env:"ROUND_STREAK_BONUS"`
	StreakPolicy    StreakPolicy `yaml:"streak_policy" env:"ROUND_STREAK_POLICY"`
}

// Config tunes an Engine.
type Config struct {
	// Beat is the delay between two countdown cues.
	Beat    time.Duration `yaml:"beat" env:"ROUND_BEAT"`
	Scoring Scoring       `yaml:"scoring"`
}

// DefaultConfig returns the game's rules.
func DefaultConfig() Config {
	return Config{
		Beat: time.Second,
		Scoring: Scoring{
			MatchPoints:     1000,
			MismatchPenalty: 2000,
			StreakThreshold: 5,
			StreakBonus:     3000,
			StreakPolicy:    StreakBonusOnce,
		},
	}
}

// Transition is published on every state change. Scores and Streaks are the
// values at the moment of the change, so a Resolving transition carries the
// final result of the round.
type Transition struct {
	From    State
	To      State
	Scores  [models.SlotCount]int
	Streaks [models.SlotCount]int
	// Aborted is set when Stop ended the round.
	Aborted bool
}

// Outcome is the result of one adjudication.
type Outcome struct {
	Slot   models.Slot
	Match  bool
	Bonus  bool
	Delta  int
	Score  int
	Streak int
}

// Snapshot is a consistent read of the engine.
type Snapshot struct {
	State     State
	Target    models.Target
	HasTarget bool
	Scores    [models.SlotCount]int
	Streaks   [models.SlotCount]int
	Seed      uint64
	StartedAt time.Time
}

// Listener observes an engine. Callbacks run in order, outside the engine's
// lock, and must not call back into the engine.
type Listener interface {
	OnTransition(t Transition)
	OnScoreChanged(slot models.Slot, score, streak int)
	OnTargetChanged(target models.Target)
	OnCue(cue Cue)
}

// NopListener can be embedded to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnTransition(Transition)              {}
func (NopListener) OnScoreChanged(models.Slot, int, int) {}
func (NopListener) OnTargetChanged(models.Target)        {}
func (NopListener) OnCue(Cue)                            {}
