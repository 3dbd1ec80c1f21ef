package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/api"
	"github.com/meridianlabs/meridian/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// idlePoller never resolves, so stream behavior can be observed alone.
type idlePoller struct{ calls int32 }

func (p *idlePoller) GetStatus(ctx context.Context, jobID string) (*api.StatusResponse, error) {
	atomic.AddInt32(&p.calls, 1)
	return nil, api.ErrNotFoundYet
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func frame(kind string, data interface{}) []byte {
	raw, _ := json.Marshal(map[string]interface{}{"type": kind, "data": data})
	return raw
}

func streamConfig() Config {
	cfg := fastConfig()
	cfg.PollInterval = time.Hour // keep the polling channel quiet
	return cfg
}

func TestStreamRequestsAndAppliesSnapshots(t *testing.T) {
	sawRequest := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/job-1") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The client must ask for a snapshot; the server does not push one
		// unprompted.
		var req map[string]string
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case sawRequest <- req["type"]:
		default:
		}

		conn.WriteMessage(websocket.TextMessage, frame("connection_established", nil))
		conn.WriteMessage(websocket.TextMessage, frame("progress_update", map[string]interface{}{
			"session_id": "job-1", "status": "in_progress", "progress_percentage": 50,
			"total_agents": 2, "completed_agents": 1,
		}))
		conn.WriteMessage(websocket.TextMessage, frame("progress_update", map[string]interface{}{
			"session_id": "job-1", "status": "completed", "progress_percentage": 100,
			"total_agents": 2, "completed_agents": 2,
		}))
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var fired int32
	s := NewSynchronizer(&idlePoller{}, nil, wsURL(srv), streamConfig(), zap.NewNop())
	s.OnTerminal(func(models.OrchestrationProgress) { atomic.AddInt32(&fired, 1) })
	s.Start(context.Background(), "job-1")

	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "request_progress", <-sawRequest)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
	s.Stop()
}

func TestStreamIgnoresUnknownKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadJSON(&map[string]string{})

		conn.WriteMessage(websocket.TextMessage, frame("totally_new_kind", map[string]string{"x": "y"}))
		conn.WriteMessage(websocket.TextMessage, []byte("not even json"))
		conn.WriteMessage(websocket.TextMessage, frame("session_progress", map[string]interface{}{
			"session_id": "job-1",
			"agent_executions": []map[string]string{
				{"agent_name": "a", "status": "completed"},
				{"agent_name": "b", "status": "completed"},
			},
		}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSynchronizer(&idlePoller{}, nil, wsURL(srv), streamConfig(), zap.NewNop())
	s.Start(context.Background(), "job-1")

	// The executions-only shape goes through the aggregator: 2/2 complete.
	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusCompleted && snap.ProgressPercentage == 100
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStreamReconnectsAfterDirtyDisconnect(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the connection abruptly: no close handshake.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadJSON(&map[string]string{})
		conn.WriteMessage(websocket.TextMessage, frame("progress_update", map[string]interface{}{
			"session_id": "job-1", "status": "completed", "progress_percentage": 100,
		}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSynchronizer(&idlePoller{}, nil, wsURL(srv), streamConfig(), zap.NewNop())
	s.Start(context.Background(), "job-1")

	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&dials), int32(2))
	s.Stop()
}

func TestStreamAcceptThenDropIsBoundedByAttemptCap(t *testing.T) {
	// A server that accepts the upgrade and immediately drops the
	// connection must burn the same attempt budget as one that refuses the
	// dial: backed-off retries up to the cap, then give up.
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	poller := &scriptedPoller{resps: []*api.StatusResponse{
		{Status: models.StatusInProgress, ProgressPercentage: 10},
	}}
	cfg := fastConfig()
	s := NewSynchronizer(poller, nil, wsURL(srv), cfg, zap.NewNop())
	s.Start(context.Background(), "job-1")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == int32(cfg.MaxReconnectAttempts+1)
	}, 2*time.Second, 5*time.Millisecond)

	// No tight re-dial loop: the count stays put after the give-up.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(cfg.MaxReconnectAttempts+1), atomic.LoadInt32(&dials))

	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStreamShutsDownCleanlyUnderFrameFlood(t *testing.T) {
	// The terminal frame arrives at the head of a burst larger than the
	// frame buffer; teardown must not strand the connection reader.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadJSON(&map[string]string{})

		conn.WriteMessage(websocket.TextMessage, frame("progress_update", map[string]interface{}{
			"session_id": "job-1", "status": "completed", "progress_percentage": 100,
		}))
		for i := 0; i < 40; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, frame("progress_update", map[string]interface{}{
				"session_id": "job-1", "status": "completed", "progress_percentage": 100,
			})); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSynchronizer(&idlePoller{}, nil, wsURL(srv), streamConfig(), zap.NewNop())
	s.Start(context.Background(), "job-1")

	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("synchronizer did not stop with the frame buffer full")
	}
}

func TestStreamGivesUpAfterMaxAttemptsAndPollingSurvives(t *testing.T) {
	// Every upgrade attempt is rejected; the push channel must exhaust its
	// attempts and leave the polling channel as the only source.
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "no stream for you", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	poller := &scriptedPoller{resps: []*api.StatusResponse{
		{Status: models.StatusInProgress, ProgressPercentage: 10},
	}}
	cfg := fastConfig() // polling active here
	s := NewSynchronizer(poller, nil, wsURL(srv), cfg, zap.NewNop())
	s.Start(context.Background(), "job-1")

	// initial attempt + MaxReconnectAttempts retries, then give up
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == int32(cfg.MaxReconnectAttempts+1)
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(cfg.MaxReconnectAttempts+1), atomic.LoadInt32(&dials))

	// Progress is still visible through polling.
	require.Eventually(t, func() bool {
		snap, ok := s.Progress()
		return ok && snap.Status == models.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}
