package progress

import "github.com/meridianlabs/meridian/internal/models"

// Aggregate summarizes a list of per-agent execution records.
type Aggregate struct {
	Total      int
	Completed  int
	Failed     int
	Percentage float64
}

// AggregateExecutions reduces an execution list into counts and a
// percentage-complete. Pure and deterministic; used whenever a raw list
// arrives without a pre-computed percentage.
func AggregateExecutions(execs []models.AgentExecution) Aggregate {
	agg := Aggregate{Total: len(execs)}
	for _, e := range execs {
		switch e.Status {
		case models.AgentCompleted:
			agg.Completed++
		case models.AgentFailed:
			agg.Failed++
		}
	}
	if agg.Total > 0 {
		agg.Percentage = float64(agg.Completed) / float64(agg.Total) * 100
	}
	return agg
}

// snapshotFromExecutions builds a whole-value progress snapshot from an
// execution list, deriving status from the counts.
func snapshotFromExecutions(sessionID string, execs []models.AgentExecution) *models.OrchestrationProgress {
	agg := AggregateExecutions(execs)
	status := models.StatusInProgress
	if agg.Total == 0 {
		status = models.StatusInitialized
	} else if agg.Completed+agg.Failed == agg.Total {
		if agg.Failed == agg.Total {
			status = models.StatusFailed
		} else {
			status = models.StatusCompleted
		}
	}
	return &models.OrchestrationProgress{
		SessionID:          sessionID,
		Status:             status,
		ProgressPercentage: agg.Percentage,
		TotalAgents:        agg.Total,
		CompletedAgents:    agg.Completed,
		FailedAgents:       agg.Failed,
		AgentExecutions:    execs,
	}
}
