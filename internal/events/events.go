// Package events decodes push-channel frames at the wire boundary. The
// runner emits two generations of progress messages plus an executions-only
// shape; all of them normalize into one internal snapshot form so the rest
// of the system never sees wire-format variance.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianlabs/meridian/internal/models"
)

// Kind identifies a push-channel message. Every inbound frame carries an
// explicit kind; unrecognized kinds are ignored rather than failing the
// connection.
type Kind string

const (
	KindConnectionEstablished Kind = "connection_established"
	KindProgressUpdate        Kind = "progress_update"
	KindLegacyAgentProgress   Kind = "agent_progress"
	KindSessionProgress       Kind = "session_progress"
	KindUnknown               Kind = ""
)

// Update is the normalized form of one inbound frame. Exactly one of
// Snapshot and Executions is set for progress-bearing kinds; both are nil
// for connection acknowledgements and unknown kinds.
type Update struct {
	Kind       Kind
	SessionID  string
	Snapshot   *models.OrchestrationProgress
	Executions []models.AgentExecution
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// legacyAgentProgress is the older wire shape kept for runners that have
// not migrated to progress_update.
type legacyAgentProgress struct {
	SessionID       string  `json:"sessionId"`
	Status          string  `json:"status"`
	PercentComplete float64 `json:"percentComplete"`
	Agents          []struct {
		Name        string  `json:"name"`
		State       string  `json:"state"`
		Input       string  `json:"input,omitempty"`
		Output      string  `json:"output,omitempty"`
		DurationSec float64 `json:"durationSec,omitempty"`
	} `json:"agents"`
	Result    string `json:"result,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type sessionProgress struct {
	SessionID       string                  `json:"session_id"`
	AgentExecutions []models.AgentExecution `json:"agent_executions"`
}

// Decode parses one raw frame. Malformed frames return an error so the
// caller can log and drop them; recognized kinds normalize into an Update.
func Decode(raw []byte) (Update, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Update{}, fmt.Errorf("decode event envelope: %w", err)
	}

	switch Kind(env.Type) {
	case KindConnectionEstablished:
		return Update{Kind: KindConnectionEstablished}, nil

	case KindProgressUpdate:
		var snap models.OrchestrationProgress
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return Update{}, fmt.Errorf("decode progress_update: %w", err)
		}
		return Update{Kind: KindProgressUpdate, SessionID: snap.SessionID, Snapshot: &snap}, nil

	case KindLegacyAgentProgress:
		var legacy legacyAgentProgress
		if err := json.Unmarshal(env.Data, &legacy); err != nil {
			return Update{}, fmt.Errorf("decode agent_progress: %w", err)
		}
		snap := normalizeLegacy(legacy)
		return Update{Kind: KindLegacyAgentProgress, SessionID: snap.SessionID, Snapshot: snap}, nil

	case KindSessionProgress:
		var sp sessionProgress
		if err := json.Unmarshal(env.Data, &sp); err != nil {
			return Update{}, fmt.Errorf("decode session_progress: %w", err)
		}
		return Update{Kind: KindSessionProgress, SessionID: sp.SessionID, Executions: sp.AgentExecutions}, nil
	}

	return Update{Kind: KindUnknown}, nil
}

// normalizeLegacy maps the older agent_progress shape onto the current
// snapshot form. Agent states in the legacy feed use the same vocabulary as
// the current one, so they pass through; counts are recomputed rather than
// trusted.
func normalizeLegacy(legacy legacyAgentProgress) *models.OrchestrationProgress {
	snap := &models.OrchestrationProgress{
		SessionID:          legacy.SessionID,
		Status:             legacy.Status,
		ProgressPercentage: legacy.PercentComplete,
		FinalResult:        legacy.Result,
		UpdatedAt:          parseTimestamp(legacy.Timestamp),
	}
	for _, a := range legacy.Agents {
		exec := models.AgentExecution{
			AgentName:            a.Name,
			Status:               a.State,
			Input:                a.Input,
			Output:               a.Output,
			ExecutionTimeSeconds: a.DurationSec,
		}
		snap.AgentExecutions = append(snap.AgentExecutions, exec)
		switch a.State {
		case models.AgentCompleted:
			snap.CompletedAgents++
		case models.AgentFailed:
			snap.FailedAgents++
		}
	}
	snap.TotalAgents = len(snap.AgentExecutions)
	return snap
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
