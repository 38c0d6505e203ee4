package gateway

import (
	"testing"

	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Command
		wantErr bool
	}{
		{name: "color", raw: `{"type":"choose_color","color":"Red"}`, want: Command{Type: CommandChooseColor, Color: models.ColorRed}},
		{name: "symbol", raw: `{"type":"choose_symbol","symbol":"miso"}`, want: Command{Type: CommandChooseSymbol, Symbol: models.SymbolMiso}},
		{name: "submit", raw: `{"type":"submit"}`, want: Command{Type: CommandSubmit}},
		{name: "start", raw: `{"type":"start_round"}`, want: Command{Type: CommandStartRound}},
		{name: "pause", raw: `{"type":"pause"}`, want: Command{Type: CommandPause}},
		{name: "resume", raw: `{"type":"resume"}`, want: Command{Type: CommandResume}},
		{name: "unknown color", raw: `{"type":"choose_color","color":"mauve"}`, wantErr: true},
		{name: "unknown symbol", raw: `{"type":"choose_symbol","symbol":"star"}`, wantErr: true},
		{name: "unknown type", raw: `{"type":"dance"}`, wantErr: true},
		{name: "not json", raw: `submit`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClientMessage([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventTypeCountdown, CountdownPayload{Cue: "go"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, EventTypeCountdown, env.Type)
	assert.JSONEq(t, `{"cue":"go"}`, string(env.Data))
	assert.False(t, env.Timestamp.IsZero())
}
