package natsrelay

import (
	"fmt"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/directory"
	"github.com/nats-io/nats.go"
)

// Config holds connection and naming settings for the NATS relay.
type Config struct {
	URL            string        `yaml:"url" env:"NATS_URL"`
	RoomsBucket    string        `yaml:"rooms_bucket" env:"NATS_ROOMS_BUCKET"`
	PropsBucket    string        `yaml:"props_bucket" env:"NATS_PROPS_BUCKET"`
	StreamName     string        `yaml:"stream_name" env:"NATS_EVENTS_STREAM"`
	SubjectPrefix  string        `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
	MaxReconnects  int           `yaml:"max_reconnects" env:"NATS_MAX_RECONNECTS"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" env:"NATS_RECONNECT_WAIT"`
	RoomTTL        time.Duration `yaml:"room_ttl" env:"NATS_ROOM_TTL"`             // how long an abandoned room or property survives
	EventsMaxAge   time.Duration `yaml:"events_max_age" env:"NATS_EVENTS_MAX_AGE"` // how long cached events are kept
	RequestTimeout time.Duration `yaml:"request_timeout" env:"NATS_REQUEST_TIMEOUT"`
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		RoomsBucket:    "SYMBOLDUEL_ROOMS",
		PropsBucket:    "SYMBOLDUEL_ROOM_PROPS",
		StreamName:     "SYMBOLDUEL_ROOM_EVENTS",
		SubjectPrefix:  "symbolduel",
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		RoomTTL:        2 * time.Hour,
		EventsMaxAge:   2 * time.Hour,
		RequestTimeout: 5 * time.Second,
	}
}

// cachedSubject is where a sender's cached events of a room are stored in the
// stream. Keying by sender lets a leaver's events be purged on their own.
func (c Config) cachedSubject(roomID, sender, code string) string {
	return fmt.Sprintf("%s.events.%s.%s.%s", c.SubjectPrefix, roomID, sender, code)
}

// liveSubject carries uncached events of a room over core NATS.
func (c Config) liveSubject(roomID, code string) string {
	return fmt.Sprintf("%s.live.%s.%s", c.SubjectPrefix, roomID, code)
}

func (c Config) propKey(roomID, key string) string {
	return fmt.Sprintf("%s.%s", roomID, key)
}

func subjectCode(code directory.EventCode) string {
	return fmt.Sprintf("%d", code)
}
