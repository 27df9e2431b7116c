package models

// Phase is the coarse lifecycle state of a job as seen by the client.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseUploading   Phase = "uploading"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseAnalyzed    Phase = "analyzed"
	PhaseConfiguring Phase = "configuring"
	PhaseAnonymizing Phase = "anonymizing"
	PhaseAnonymized  Phase = "anonymized"
	PhaseError       Phase = "error"
	PhaseCancelled   Phase = "cancelled"
)

// phaseGraph lists the forward edges of the job lifecycle.
// Reset to PhaseIdle is handled separately and is not part of the graph.
var phaseGraph = map[Phase][]Phase{
	PhaseIdle:        {PhaseUploading, PhaseAnalyzing, PhaseAnonymizing},
	PhaseUploading:   {PhaseAnalyzing, PhaseError},
	PhaseAnalyzing:   {PhaseAnalyzed, PhaseError, PhaseCancelled},
	PhaseAnalyzed:    {PhaseConfiguring},
	PhaseConfiguring: {PhaseAnonymizing, PhaseError},
	PhaseAnonymizing: {PhaseAnonymized, PhaseError, PhaseCancelled},
}

// CanTransitionTo reports whether next is a legal forward step from p.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, candidate := range phaseGraph[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsSettled reports whether the phase ends the lifecycle and only a reset can follow.
func (p Phase) IsSettled() bool {
	return p == PhaseError || p == PhaseAnonymized || p == PhaseCancelled
}

// IsWatching reports whether a status watch is expected in this phase.
func (p Phase) IsWatching() bool {
	return p == PhaseAnalyzing || p == PhaseAnonymizing
}

func (p Phase) String() string {
	return string(p)
}
