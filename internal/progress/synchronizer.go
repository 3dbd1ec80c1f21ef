package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/meridian/internal/api"
	"github.com/meridianlabs/meridian/internal/metrics"
	"github.com/meridianlabs/meridian/internal/models"
)

// Config tunes the two progress channels.
type Config struct {
	// PollInterval paces the status polling channel. Jobs run for minutes
	// and users watch them live, so the default favors freshness.
	PollInterval time.Duration
	// HeartbeatInterval paces push-channel pings that keep idle
	// connections from being dropped by intermediaries.
	HeartbeatInterval time.Duration
	// ReconnectBaseDelay is the first reconnect wait; it doubles per
	// attempt.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts caps reconnection before the push channel gives
	// up and leaves progress to the polling channel.
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// Poller is the polling slice of the runner client.
type Poller interface {
	GetStatus(ctx context.Context, jobID string) (*api.StatusResponse, error)
}

// SummaryFetcher fetches the one-shot session summary on the terminal
// transition.
type SummaryFetcher interface {
	GetSessionSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error)
}

// Synchronizer maintains one OrchestrationProgress view per job from two
// independent sources: a polling channel and a websocket push channel. Both
// write whole-value snapshots to the same slot, last writer wins by arrival
// time. A single atomic latch turns the first observed non-terminal to
// terminal transition into exactly one "job finished" follow-up, no matter
// how often either channel reports terminal afterwards.
type Synchronizer struct {
	poller    Poller
	summaries SummaryFetcher
	streamURL string
	cfg       Config
	logger    *zap.Logger

	mu      sync.RWMutex
	current *models.OrchestrationProgress
	summary *models.SessionSummary

	terminal   atomic.Bool
	onTerminal func(models.OrchestrationProgress)

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewSynchronizer creates a synchronizer. streamURL is the websocket
// endpoint base (ws:// or wss://); empty disables the push channel.
// summaries may be nil when no terminal follow-up fetch is wanted.
func NewSynchronizer(poller Poller, summaries SummaryFetcher, streamURL string, cfg Config, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		poller:    poller,
		summaries: summaries,
		streamURL: streamURL,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// OnTerminal registers the follow-up fired exactly once on the first
// terminal transition. Must be set before Start.
func (s *Synchronizer) OnTerminal(fn func(models.OrchestrationProgress)) {
	s.onTerminal = fn
}

// Start launches both channels for jobID. It is a no-op when the job is
// already known to be terminal (e.g. after Restore).
func (s *Synchronizer) Start(ctx context.Context, jobID string) {
	if s.terminal.Load() {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(s.runCtx, jobID)
	}()

	if s.streamURL != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.streamLoop(s.runCtx, jobID)
		}()
	}

	s.logger.Info("progress synchronizer started",
		zap.String("job_id", jobID),
		zap.Bool("push_channel", s.streamURL != ""),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)
}

// Stop tears down both channels: the websocket closes, pending heartbeat
// and reconnect timers clear, polling halts. The remote job itself is not
// cancelled; it keeps running server-side and can be resumed by id.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Progress returns a copy of the current snapshot, if any.
func (s *Synchronizer) Progress() (models.OrchestrationProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.OrchestrationProgress{}, false
	}
	return *s.current, true
}

// Summary returns the session summary fetched on the terminal transition,
// if one has arrived.
func (s *Synchronizer) Summary() *models.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// Restore presents already-known execution history as a finished progress
// view without opening either channel. Used when resuming a previously
// saved session.
func (s *Synchronizer) Restore(sessionID string, execs []models.AgentExecution, finalResult string) {
	snap := snapshotFromExecutions(sessionID, execs)
	snap.FinalResult = finalResult
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
	if models.IsTerminal(snap.Status) {
		// Latch without firing the follow-up: there is no live transition
		// here, the job finished long ago.
		s.terminal.Store(true)
	}
	metrics.SessionsRestored.Inc()
}

// pollLoop issues status requests at a fixed cadence until the job reaches
// a terminal status or the synchronizer stops. Terminal is a permanent
// stop, not a backoff.
func (s *Synchronizer) pollLoop(ctx context.Context, jobID string) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if s.terminal.Load() {
			return
		}

		resp, err := s.poller.GetStatus(ctx, jobID)
		metrics.PollsIssued.Inc()
		if err != nil {
			if errors.Is(err, api.ErrNotFoundYet) {
				// The job has not produced a status artifact yet; keep
				// polling at the normal cadence.
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("status poll failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		s.applySnapshot(&models.OrchestrationProgress{
			SessionID:          jobID,
			Status:             resp.Status,
			ProgressPercentage: resp.ProgressPercentage,
			UpdatedAt:          time.Now().UTC(),
		}, "poll")
	}
}

// applySnapshot replaces the held snapshot wholesale. No field-level
// merging: reconciling partial or out-of-order agent lists is exactly the
// failure mode whole-value replacement avoids. The only adjustment is the
// monotonicity clamp on the percentage while the job has not failed.
func (s *Synchronizer) applySnapshot(snap *models.OrchestrationProgress, source string) {
	s.mu.Lock()
	if s.current != nil && snap.Status != models.StatusFailed &&
		snap.ProgressPercentage < s.current.ProgressPercentage {
		snap.ProgressPercentage = s.current.ProgressPercentage
	}
	s.current = snap
	terminal := models.IsTerminal(snap.Status)
	snapCopy := *snap
	s.mu.Unlock()

	metrics.SnapshotsApplied.WithLabelValues(source).Inc()

	if terminal {
		s.latchTerminal(snapCopy)
	}
}

// latchTerminal runs the one-time "job finished" follow-up. The CAS
// guarantees exactly one firing even when both channels keep reporting
// terminal status.
func (s *Synchronizer) latchTerminal(snap models.OrchestrationProgress) {
	if !s.terminal.CompareAndSwap(false, true) {
		return
	}
	metrics.JobsCompleted.WithLabelValues(snap.Status).Inc()
	s.logger.Info("job reached terminal status",
		zap.String("session_id", snap.SessionID),
		zap.String("status", snap.Status),
	)

	if s.summaries != nil && snap.SessionID != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sum, err := s.summaries.GetSessionSummary(ctx, snap.SessionID)
			if err != nil {
				s.logger.Warn("session summary fetch failed", zap.Error(err))
				return
			}
			s.mu.Lock()
			s.summary = sum
			s.mu.Unlock()
		}()
	}

	if s.onTerminal != nil {
		s.onTerminal(snap)
	}
}
