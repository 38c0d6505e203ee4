package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// StateProvider exposes a consistent view of the local session.
type StateProvider interface {
	GetSessionState(ctx context.Context) (*SessionStateResponse, error)
	GetHistory(ctx context.Context, limit int) ([]history.Record, error)
}

// SessionStateResponse is the body of GET /api/state.
type SessionStateResponse struct {
	Participant string                   `json:"participant"`
	Matchmaking MatchmakingInfo          `json:"matchmaking"`
	Round       RoundInfo                `json:"round"`
	Seats       []models.ParticipantSlot `json:"seats"`
	PeerScore   *int                     `json:"peer_score,omitempty"`
	LastResult  *history.Record          `json:"last_result,omitempty"`
}

type MatchmakingInfo struct {
	State          string `json:"state"`
	Role           string `json:"role,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	RememberedRoom string `json:"remembered_room,omitempty"`
	Attempt        uint64 `json:"attempt"`
	Outstanding    bool   `json:"outstanding"`
}

type RoundInfo struct {
	State     string         `json:"state"`
	Target    *TargetPayload `json:"target,omitempty"`
	Scores    []int          `json:"scores"`
	Streaks   []int          `json:"streaks"`
	Seed      uint64         `json:"seed,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Selection SelectionInfo  `json:"selection"`
}

type SelectionInfo struct {
	Symbol string `json:"symbol"`
	Color  string `json:"color"`
}

// StateHandler serves read-only session state over HTTP.
type StateHandler struct {
	stateProvider StateProvider
}

func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{stateProvider: provider}
}

// HandleGetState handles GET /api/state
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := h.stateProvider.GetSessionState(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get session state")
		http.Error(w, "Failed to get session state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, state)
}

// HandleGetHistory handles GET /api/history?limit=N
func (h *StateHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.stateProvider.GetHistory(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to get round history")
		http.Error(w, "Failed to get round history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}

	writeJSON(w, records)
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.HandleGetState)
	mux.HandleFunc("/api/history", h.HandleGetHistory)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// GetSessionState implements StateProvider.
func (p *Presenter) GetSessionState(ctx context.Context) (*SessionStateResponse, error) {
	app, err := p.session()
	if err != nil {
		return nil, err
	}

	mm := app.Coordinator().Snapshot()
	rs := app.Engine().Snapshot()
	sel := app.Station().Selection()

	resp := &SessionStateResponse{
		Participant: string(app.LocalID()),
		Matchmaking: MatchmakingInfo{
			State:          mm.State.String(),
			Role:           string(mm.Role),
			RoomID:         mm.RoomID,
			RememberedRoom: app.Coordinator().RememberedRoom(),
			Attempt:        mm.Attempt,
			Outstanding:    mm.Outstanding,
		},
		Round: RoundInfo{
			State:   rs.State.String(),
			Scores:  rs.Scores[:],
			Streaks: rs.Streaks[:],
			Seed:    rs.Seed,
			Selection: SelectionInfo{
				Symbol: sel.Symbol.String(),
				Color:  sel.Color.String(),
			},
		},
		Seats: app.Presence().Seats(),
	}
	if resp.Seats == nil {
		resp.Seats = []models.ParticipantSlot{}
	}
	if rs.HasTarget {
		resp.Round.Target = &TargetPayload{Symbol: rs.Target.Symbol.String(), Color: rs.Target.Color.String()}
	}
	if !rs.StartedAt.IsZero() {
		started := rs.StartedAt
		resp.Round.StartedAt = &started
	}
	if peer, ok := app.PeerScore(); ok {
		resp.PeerScore = &peer
	}
	if rec, ok := app.LastResult(); ok {
		resp.LastResult = &rec
	}
	return resp, nil
}

// GetHistory implements StateProvider.
func (p *Presenter) GetHistory(ctx context.Context, limit int) ([]history.Record, error) {
	app, err := p.session()
	if err != nil {
		return nil, err
	}
	return app.Recorder().Recent(ctx, limit)
}
