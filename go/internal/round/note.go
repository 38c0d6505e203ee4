package round

import "github.com/mcdev12/symbolduel/go/internal/models"

// note is one pending listener notification.
type note struct {
	transition *Transition
	score      *scoreChange
	target     *models.Target
	cue        *Cue
}

type scoreChange struct {
	slot   models.Slot
	score  int
	streak int
}

func scoreNote(slot models.Slot, score, streak int) note {
	return note{score: &scoreChange{slot: slot, score: score, streak: streak}}
}

func targetNote(t models.Target) note { return note{target: &t} }

func cueNote(c Cue) note { return note{cue: &c} }

func (n note) deliver(l Listener) {
	switch {
	case n.transition != nil:
		l.OnTransition(*n.transition)
	case n.score != nil:
		l.OnScoreChanged(n.score.slot, n.score.score, n.score.streak)
	case n.target != nil:
		l.OnTargetChanged(*n.target)
	case n.cue != nil:
		l.OnCue(*n.cue)
	}
}
