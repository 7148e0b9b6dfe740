package orchestrator

// Phase is the orchestrator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResuming
	PhaseClassifying
	PhaseListIterating
	PhaseDispatching
	PhasePaginating
	PhaseWaitingForChange
	PhaseTerminated
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseResuming:         "resuming",
	PhaseClassifying:      "classifying",
	PhaseListIterating:    "list_iterating",
	PhaseDispatching:      "dispatching",
	PhasePaginating:       "paginating",
	PhaseWaitingForChange: "waiting_for_change",
	PhaseTerminated:       "terminated",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Active reports whether a list cycle owns the context in this phase.
// Resuming and Classifying count too: they run before the cycle starts.
func (p Phase) Active() bool {
	switch p {
	case PhaseResuming, PhaseClassifying, PhaseListIterating,
		PhaseDispatching, PhasePaginating, PhaseWaitingForChange:
		return true
	}
	return false
}
