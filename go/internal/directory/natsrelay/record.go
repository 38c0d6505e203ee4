package natsrelay

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/models"
)

// roomRecord is the value stored under a room id in the rooms bucket.
type roomRecord struct {
	ID         string                 `json:"id"`
	Visible    bool                   `json:"visible"`
	MaxPlayers int                    `json:"max_players"`
	Members    []models.ParticipantID `json:"members"`
	CreatedAt  time.Time              `json:"created_at"`
}

func (r roomRecord) open(self models.ParticipantID) bool {
	return r.Visible && len(r.Members) < r.MaxPlayers && !slices.Contains(r.Members, self)
}

func decodeRoom(data []byte) (roomRecord, error) {
	var rec roomRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}

func (r roomRecord) encode() ([]byte, error) {
	return json.Marshal(r)
}
