package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/api"
	"github.com/meridianlabs/meridian/internal/metrics"
	"github.com/meridianlabs/meridian/internal/models"
	"github.com/meridianlabs/meridian/internal/parser"
	"github.com/meridianlabs/meridian/internal/util"
)

var (
	// ErrWrongPhase is returned when an operation is dispatched for a phase
	// that is not current.
	ErrWrongPhase = errors.New("operation not legal in current phase")

	// ErrResearchInFlight rejects a research resubmission while the
	// previous call is still outstanding.
	ErrResearchInFlight = errors.New("research already in flight")
)

// Runner is the slice of the runner client the engine drives.
type Runner interface {
	GenerateQuestions(ctx context.Context, req api.GenerateQuestionsRequest) (*api.SectionedResponse, error)
	CreatePlan(ctx context.Context, req api.CreatePlanRequest) (*api.SectionedResponse, error)
	ExecuteResearch(ctx context.Context, req api.ExecuteResearchRequest) (*api.SectionedResponse, error)
	FinalReport(ctx context.Context, req api.FinalReportRequest) (*api.SectionedResponse, error)
}

// Sessions supplies the durable session id for remote calls. Failures are
// tolerated: a run proceeds without continuity rather than blocking.
type Sessions interface {
	EnsureSession(ctx context.Context, topic string) (string, error)
	Reset()
}

// Engine sequences the research workflow phases. It is constructed
// explicitly and passed down, never shared as ambient global state; one
// engine owns exactly one State. Callers serialize transitions: two
// transitions must not run concurrently on one engine.
type Engine struct {
	runner   Runner
	sessions Sessions
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// NewEngine creates a workflow engine in the topic phase.
func NewEngine(runner Runner, sessions Sessions, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runner:   runner,
		sessions: sessions,
		logger:   logger,
		state:    initialState(),
	}
}

// Snapshot returns a copy of the current workflow state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// AskQuestions runs the first transition: topic -> questions -> feedback.
// The runner's clarifying questions are normalized into the Questions text;
// the workflow then waits for user feedback.
func (e *Engine) AskQuestions(ctx context.Context, topic string) error {
	e.mu.Lock()
	if e.state.Phase != models.PhaseTopic {
		e.mu.Unlock()
		return fmt.Errorf("%w: ask questions from %s", ErrWrongPhase, e.state.Phase)
	}
	e.state.Topic = topic
	e.state.IsThinking = true
	e.state.Status = "Generating clarifying questions"
	e.mu.Unlock()

	sessionID := e.ensureSession(ctx, topic)

	start := time.Now()
	resp, err := e.runner.GenerateQuestions(ctx, api.GenerateQuestionsRequest{
		Prompt:    topic,
		SessionID: sessionID,
	})
	metrics.PhaseDuration.WithLabelValues("ask_questions").Observe(time.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.IsThinking = false
	if err != nil {
		e.state.Status = "Failed to generate questions"
		metrics.PhaseTransitions.WithLabelValues(string(models.PhaseTopic), string(models.PhaseFeedback), "error").Inc()
		e.logger.Error("generate questions failed", zap.Error(err))
		return err
	}

	e.state.Questions = parser.RenderStructured(parser.CanonicalText(resp.Sections, resp.Summary))
	e.state.Phase = models.PhaseFeedback
	e.state.Status = "Waiting for feedback"
	metrics.PhaseTransitions.WithLabelValues(string(models.PhaseTopic), string(models.PhaseFeedback), "ok").Inc()
	e.logger.Info("questions generated",
		zap.String("session_id", sessionID),
		zap.Int("question_count", len(parser.ExtractQuestions(e.state.Questions))),
	)
	return nil
}

// WriteReportPlan runs feedback -> research: the user's feedback plus the
// discrete questions extracted from the questions text produce the report
// plan.
func (e *Engine) WriteReportPlan(ctx context.Context, feedback string) error {
	e.mu.Lock()
	if e.state.Phase != models.PhaseFeedback {
		e.mu.Unlock()
		return fmt.Errorf("%w: write report plan from %s", ErrWrongPhase, e.state.Phase)
	}
	e.state.Feedback = feedback
	e.state.IsThinking = true
	e.state.Status = "Writing report plan"
	topic := e.state.Topic
	questions := parser.ExtractQuestions(e.state.Questions)
	e.mu.Unlock()

	sessionID := e.ensureSession(ctx, topic)

	start := time.Now()
	resp, err := e.runner.CreatePlan(ctx, api.CreatePlanRequest{
		Topic:     topic,
		Questions: questions,
		Feedback:  feedback,
		SessionID: sessionID,
	})
	metrics.PhaseDuration.WithLabelValues("write_report_plan").Observe(time.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.IsThinking = false
	if err != nil {
		e.state.Status = "Failed to write report plan"
		metrics.PhaseTransitions.WithLabelValues(string(models.PhaseFeedback), string(models.PhaseResearch), "error").Inc()
		e.logger.Error("create plan failed", zap.Error(err))
		return err
	}

	e.state.ReportPlan = parser.RenderStructured(parser.CanonicalText(resp.Sections, resp.Summary))
	e.state.Phase = models.PhaseResearch
	e.state.Status = "Plan ready"
	metrics.PhaseTransitions.WithLabelValues(string(models.PhaseFeedback), string(models.PhaseResearch), "ok").Inc()
	return nil
}

// RunSearchTasks runs research -> report. It is re-enterable from the
// report phase ("resubmit"): a new research pass replaces the task list
// wholesale and clears any final report written from the old findings.
// A second submission while one is outstanding is rejected.
func (e *Engine) RunSearchTasks(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Phase != models.PhaseResearch && e.state.Phase != models.PhaseReport {
		e.mu.Unlock()
		return fmt.Errorf("%w: run search tasks from %s", ErrWrongPhase, e.state.Phase)
	}
	if e.state.IsResearching {
		e.mu.Unlock()
		return ErrResearchInFlight
	}
	from := e.state.Phase
	// A resubmission always starts from an empty sequence; stale findings
	// and the report derived from them are invalid now.
	e.state.SearchTasks = nil
	e.state.FinalReport = ""
	e.state.IsResearching = true
	e.state.Status = "Running research"
	topic, plan := e.state.Topic, e.state.ReportPlan
	e.mu.Unlock()

	sessionID := e.ensureSession(ctx, topic)

	start := time.Now()
	resp, err := e.runner.ExecuteResearch(ctx, api.ExecuteResearchRequest{
		Topic:     topic,
		Plan:      plan,
		SessionID: sessionID,
	})
	metrics.PhaseDuration.WithLabelValues("run_search_tasks").Observe(time.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.IsResearching = false
	if err != nil {
		e.state.Status = "Research failed"
		metrics.PhaseTransitions.WithLabelValues(string(from), string(models.PhaseReport), "error").Inc()
		e.logger.Error("execute research failed", zap.Error(err))
		return err
	}

	// One task per section; the call is synchronous and batched, so every
	// returned task is already complete.
	tasks := make([]models.SearchTask, 0, len(resp.Sections))
	for _, sec := range resp.Sections {
		tasks = append(tasks, models.SearchTask{
			Query:        sec.Name,
			ResearchGoal: sec.Name,
			State:        models.TaskCompleted,
			Learning:     parser.RenderStructured(sec.Content),
			Sources:      resp.Sources,
		})
	}
	e.state.SearchTasks = tasks
	e.state.Phase = models.PhaseReport
	e.state.Status = "Research complete"
	metrics.PhaseTransitions.WithLabelValues(string(from), string(models.PhaseReport), "ok").Inc()
	e.logger.Info("research complete",
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(tasks)),
	)
	return nil
}

// WriteFinalReport runs report -> completed. Re-enterable from completed
// ("regenerate"): the report is always fully overwritten, never patched.
func (e *Engine) WriteFinalReport(ctx context.Context, requirement string) error {
	e.mu.Lock()
	if e.state.Phase != models.PhaseReport && e.state.Phase != models.PhaseCompleted {
		e.mu.Unlock()
		return fmt.Errorf("%w: write final report from %s", ErrWrongPhase, e.state.Phase)
	}
	from := e.state.Phase
	e.state.IsWriting = true
	e.state.Status = "Writing final report"
	topic, plan := e.state.Topic, e.state.ReportPlan
	findings := collectFindings(e.state.SearchTasks)
	e.mu.Unlock()

	sessionID := e.ensureSession(ctx, topic)

	start := time.Now()
	resp, err := e.runner.FinalReport(ctx, api.FinalReportRequest{
		Topic:       topic,
		Plan:        plan,
		Findings:    findings,
		Requirement: requirement,
		SessionID:   sessionID,
	})
	metrics.PhaseDuration.WithLabelValues("write_final_report").Observe(time.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.IsWriting = false
	if err != nil {
		e.state.Status = "Failed to write final report"
		metrics.PhaseTransitions.WithLabelValues(string(from), string(models.PhaseCompleted), "error").Inc()
		e.logger.Error("final report failed", zap.Error(err))
		return err
	}

	e.state.FinalReport = parser.RenderStructured(parser.CanonicalText(resp.Sections, resp.Summary))
	e.state.Phase = models.PhaseCompleted
	e.state.Status = "Report ready"
	metrics.PhaseTransitions.WithLabelValues(string(from), string(models.PhaseCompleted), "ok").Inc()
	return nil
}

// NewResearch resets the workflow to its initial state unconditionally and
// drops the session association. In-flight remote calls are not cancelled;
// their results land on a state nobody reads.
func (e *Engine) NewResearch() {
	e.mu.Lock()
	e.state = initialState()
	e.mu.Unlock()
	if e.sessions != nil {
		e.sessions.Reset()
	}
	e.logger.Info("workflow reset")
}

// ensureSession resolves the session id, tolerating failure: continuity is
// a convenience, not a requirement of a single run.
func (e *Engine) ensureSession(ctx context.Context, topic string) string {
	if e.sessions == nil {
		return ""
	}
	id, err := e.sessions.EnsureSession(ctx, topic)
	if err != nil {
		e.logger.Warn("proceeding without session", zap.Error(err))
		return ""
	}
	e.mu.Lock()
	e.state.SessionID = id
	e.mu.Unlock()
	return id
}

// collectFindings concatenates the learnings of all search tasks into the
// findings document for report synthesis.
func collectFindings(tasks []models.SearchTask) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, strings.TrimSpace(t.Learning))
	}
	return util.JoinNonEmpty(parts, "\n\n")
}
