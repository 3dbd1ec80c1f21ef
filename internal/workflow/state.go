package workflow

import (
	"github.com/meridianlabs/meridian/internal/models"
)

// State is the single source of truth for one research session. It is owned
// exclusively by the Engine; consumers read copies via Snapshot.
type State struct {
	Phase     models.Phase `json:"phase"`
	SessionID string       `json:"session_id,omitempty"`

	Topic       string `json:"topic,omitempty"`
	Questions   string `json:"questions,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
	ReportPlan  string `json:"report_plan,omitempty"`
	FinalReport string `json:"final_report,omitempty"`

	// SearchTasks is replaced wholesale on each research submission, never
	// merged with a previous attempt.
	SearchTasks []models.SearchTask `json:"search_tasks,omitempty"`

	// Status is a human-readable label for the current operation,
	// overwritten per step.
	Status string `json:"status,omitempty"`

	// Loading flags: each is true only while the corresponding remote call
	// is outstanding. Phases are sequential, so at most one is set.
	IsThinking    bool `json:"is_thinking"`
	IsResearching bool `json:"is_researching"`
	IsWriting     bool `json:"is_writing"`
}

// initialState returns the empty topic-phase state a new research starts
// from.
func initialState() State {
	return State{Phase: models.PhaseTopic}
}

// clone returns a deep copy safe to hand to readers.
func (s State) clone() State {
	out := s
	if s.SearchTasks != nil {
		out.SearchTasks = make([]models.SearchTask, len(s.SearchTasks))
		copy(out.SearchTasks, s.SearchTasks)
	}
	return out
}
