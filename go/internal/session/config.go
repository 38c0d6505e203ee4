package session

import (
	"time"

	"github.com/mcdev12/symbolduel/go/internal/matchmaking"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/mcdev12/symbolduel/go/internal/score"
	"github.com/mcdev12/symbolduel/go/internal/station"
)

// Config gathers the settings of every component of a session.
type Config struct {
	Matchmaking   matchmaking.Config `yaml:"matchmaking"`
	Round         round.Config       `yaml:"round"`
	RoundLength   time.Duration      `yaml:"round_length" env:"ROUND_LENGTH"`
	PollInterval  time.Duration      `yaml:"poll_interval" env:"SCORE_POLL_INTERVAL"`
	FeedbackPulse time.Duration      `yaml:"feedback_pulse" env:"FEEDBACK_PULSE"`
	// ResolveGrace is how close to the local round end a peer score dropping
	// to zero is taken as the peer's own reset rather than a penalty.
	ResolveGrace time.Duration `yaml:"resolve_grace" env:"RESOLVE_GRACE"`
	// AutoRestart makes the Host start the next round once one resolves.
	AutoRestart bool `yaml:"auto_restart" env:"AUTO_RESTART"`
}

// DefaultConfig returns the game's settings.
func DefaultConfig() Config {
	return Config{
		Matchmaking:   matchmaking.DefaultConfig(),
		Round:         round.DefaultConfig(),
		RoundLength:   120 * time.Second,
		PollInterval:  score.DefaultPollInterval,
		FeedbackPulse: station.DefaultPulse,
		ResolveGrace:  2 * time.Second,
	}
}
