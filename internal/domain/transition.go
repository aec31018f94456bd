package domain

import "github.com/looplab/fsm"

// Edge names of the call lifecycle, keyed by the status they lead to.
const (
	edgeAnswer = "answer"
	edgeReject = "reject"
	edgeCancel = "cancel"
	edgeMiss   = "miss"
	edgeEnd    = "end"
)

var lifecycleEvents = fsm.Events{
	{Name: edgeAnswer, Src: []string{string(CallStatusRinging)}, Dst: string(CallStatusActive)},
	{Name: edgeReject, Src: []string{string(CallStatusRinging)}, Dst: string(CallStatusRejected)},
	{Name: edgeCancel, Src: []string{string(CallStatusRinging)}, Dst: string(CallStatusCancelled)},
	{Name: edgeMiss, Src: []string{string(CallStatusRinging)}, Dst: string(CallStatusMissed)},
	{Name: edgeEnd, Src: []string{string(CallStatusActive)}, Dst: string(CallStatusEnded)},
}

var edgeByTarget = map[CallStatus]string{
	CallStatusActive:    edgeAnswer,
	CallStatusRejected:  edgeReject,
	CallStatusCancelled: edgeCancel,
	CallStatusMissed:    edgeMiss,
	CallStatusEnded:     edgeEnd,
}

// progress orders statuses along the graph; the three ringing exits share a rank with active
var progress = map[CallStatus]int{
	CallStatusRinging:   0,
	CallStatusActive:    1,
	CallStatusRejected:  1,
	CallStatusCancelled: 1,
	CallStatusMissed:    1,
	CallStatusEnded:     2,
}

// Verdict is the outcome of checking a requested status change
type Verdict int

const (
	// VerdictApply means the edge is legal and must be written
	VerdictApply Verdict = iota
	// VerdictNoop means the record already satisfies or has moved past the request
	VerdictNoop
	// VerdictInvalid means the request skips required structure
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "applied"
	case VerdictNoop:
		return "noop"
	default:
		return "invalid"
	}
}

// CheckTransition classifies moving a record from `from` to `to`.
func CheckTransition(from, to CallStatus) Verdict {
	if !from.Valid() || !to.Valid() {
		return VerdictInvalid
	}
	if from == to || from.IsTerminal() {
		return VerdictNoop
	}

	if edge, ok := edgeByTarget[to]; ok {
		machine := fsm.NewFSM(string(from), lifecycleEvents, nil)
		if machine.Can(edge) {
			return VerdictApply
		}
	}

	if progress[from] >= progress[to] {
		return VerdictNoop
	}
	return VerdictInvalid
}
