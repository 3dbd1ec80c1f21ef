package models

import "time"

// Workflow phases, in order. A workflow only moves forward through these
// except for explicit resubmission, regeneration and reset.
type Phase string

const (
	PhaseTopic     Phase = "topic"
	PhaseQuestions Phase = "questions"
	PhaseFeedback  Phase = "feedback"
	PhaseResearch  Phase = "research"
	PhaseReport    Phase = "report"
	PhaseCompleted Phase = "completed"
)

// Job statuses reported by the remote runner.
const (
	StatusInitialized = "initialized"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Agent execution statuses.
const (
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// Search task states.
const (
	TaskUnprocessed = "unprocessed"
	TaskProcessing  = "processing"
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
)

// IsTerminal reports whether a job status is final. No further progress
// updates are expected once a terminal status is observed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// SearchTask is one unit of research produced by the execute-research call.
type SearchTask struct {
	Query        string   `json:"query"`
	ResearchGoal string   `json:"research_goal"`
	State        string   `json:"state"`
	Learning     string   `json:"learning"`
	Sources      []Source `json:"sources,omitempty"`
	Images       []string `json:"images,omitempty"`
}

// Source is a citation attached to a search task.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// AgentExecution is one unit of work performed by a remote worker within a
// research job. The remote side treats the list as append-only; clients
// replace their whole local copy and never patch entries in place.
type AgentExecution struct {
	AgentName            string                 `json:"agent_name"`
	Status               string                 `json:"status"`
	Input                string                 `json:"input,omitempty"`
	Output               string                 `json:"output,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	ExecutionTimeSeconds float64                `json:"execution_time_seconds,omitempty"`
	Timestamp            time.Time              `json:"timestamp"`
}

// OrchestrationProgress is the snapshot view of a remote job. Invariants:
// CompletedAgents+FailedAgents <= TotalAgents, and ProgressPercentage is
// monotonically non-decreasing while Status != failed.
type OrchestrationProgress struct {
	SessionID          string           `json:"session_id"`
	Status             string           `json:"status"`
	ProgressPercentage float64          `json:"progress_percentage"`
	TotalAgents        int              `json:"total_agents"`
	CompletedAgents    int              `json:"completed_agents"`
	FailedAgents       int              `json:"failed_agents"`
	AgentExecutions    []AgentExecution `json:"agent_executions,omitempty"`
	FinalResult        string           `json:"final_result,omitempty"`
	StartedAt          time.Time        `json:"started_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at,omitempty"`
}

// SessionSummary is the one-shot summary fetched when a job reaches a
// terminal status.
type SessionSummary struct {
	SessionID  string   `json:"session_id"`
	Status     string   `json:"status"`
	Result     string   `json:"result,omitempty"`
	AgentsUsed []string `json:"agents_used,omitempty"`
}
