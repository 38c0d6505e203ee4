package models

// Result is the local outcome of a finished round.
type Result string

const (
	ResultWin  Result = "WIN"
	ResultLose Result = "LOSE"
	ResultDraw Result = "DRAW"
)

// DecideResult compares the local score with the peer's.
func DecideResult(local, peer int) Result {
	switch {
	case local > peer:
		return ResultWin
	case local < peer:
		return ResultLose
	default:
		return ResultDraw
	}
}
