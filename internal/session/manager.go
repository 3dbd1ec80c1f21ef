package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/api"
	"github.com/meridianlabs/meridian/internal/metrics"
	"github.com/meridianlabs/meridian/internal/util"
)

// ErrNoSession is returned when no session id is held and none could be
// created.
var ErrNoSession = errors.New("no session available")

// titleLimit bounds the session title derived from the research topic.
const titleLimit = 50

// Creator is the slice of the runner client the manager needs.
type Creator interface {
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (string, error)
}

// Manager owns the lifecycle of one durable session identifier. The id is
// created lazily on first use and reattached to every subsequent remote
// call. Session continuity is a convenience for restore/resume, never a
// correctness requirement: callers proceed without an id when creation
// fails.
type Manager struct {
	creator Creator
	logger  *zap.Logger

	mu       sync.Mutex
	id       string
	inflight *inflightCreate
}

// inflightCreate lets concurrent EnsureSession callers share one
// outstanding create-session request instead of issuing duplicates.
type inflightCreate struct {
	done chan struct{}
	id   string
	err  error
}

// NewManager creates a session manager bound to a runner client.
func NewManager(creator Creator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{creator: creator, logger: logger}
}

// EnsureSession returns the held session id, creating one from the topic on
// first use. Concurrent calls while a creation is outstanding wait on the
// same request; exactly one create-session call is issued per reset cycle.
func (m *Manager) EnsureSession(ctx context.Context, topic string) (string, error) {
	m.mu.Lock()
	if m.id != "" {
		id := m.id
		m.mu.Unlock()
		return id, nil
	}
	if fl := m.inflight; fl != nil {
		m.mu.Unlock()
		return m.wait(ctx, fl)
	}
	fl := &inflightCreate{done: make(chan struct{})}
	m.inflight = fl
	m.mu.Unlock()

	go m.create(topic, fl)
	return m.wait(ctx, fl)
}

func (m *Manager) create(topic string, fl *inflightCreate) {
	// The creation outlives any single caller's context so that late
	// joiners still get the id.
	ctx := context.Background()
	id, err := m.creator.CreateSession(ctx, api.CreateSessionRequest{
		Title: util.TruncateString(topic, titleLimit, false),
		Topic: topic,
	})

	m.mu.Lock()
	if err == nil {
		m.id = id
		metrics.SessionsCreated.Inc()
	}
	fl.id, fl.err = id, err
	m.inflight = nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("session creation failed, continuing without session",
			zap.Error(err))
	} else {
		m.logger.Info("session created", zap.String("session_id", id))
	}
	close(fl.done)
}

func (m *Manager) wait(ctx context.Context, fl *inflightCreate) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-fl.done:
	}
	if fl.err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, fl.err)
	}
	return fl.id, nil
}

// Current returns the held session id without creating one.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Adopt installs an id restored from a saved session.
func (m *Manager) Adopt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

// Reset drops the local association with the session. The remote session is
// not deleted; it stays resumable by id.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = ""
}
