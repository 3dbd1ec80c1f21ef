package progress

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/events"
	"github.com/meridianlabs/meridian/internal/metrics"
)

// snapshotRequest is sent right after connecting: the server is not assumed
// to push a current snapshot on its own.
type snapshotRequest struct {
	Type string `json:"type"`
}

// streamLoop owns the push channel for one job: dial, read until the
// connection drops, reconnect with exponential backoff up to the configured
// attempt cap, then give up and leave progress to the polling channel.
func (s *Synchronizer) streamLoop(ctx context.Context, jobID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil || s.terminal.Load() {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL+"/"+jobID, nil)
		if err == nil {
			clean, delivered := s.readPump(ctx, conn, jobID)
			if clean {
				return
			}
			// Only a connection that actually carried traffic earns a fresh
			// attempt budget. A server that accepts the upgrade and drops the
			// connection immediately counts against the cap like a failed
			// dial, otherwise it would be re-dialed in a tight loop forever.
			if delivered {
				attempts = 0
				bo.Reset()
			}
		}

		attempts++
		metrics.StreamReconnects.Inc()
		if attempts > s.cfg.MaxReconnectAttempts {
			metrics.StreamExhausted.Inc()
			s.logger.Warn("push channel gave up, falling back to polling",
				zap.String("job_id", jobID),
				zap.Int("attempts", attempts-1),
			)
			return
		}
		wait := bo.NextBackOff()
		s.logger.Debug("push channel reconnecting",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readPump drives one live connection. clean is true when the close was
// intentional (context cancelled, terminal status observed, normal server
// close) and false when the connection dropped and a reconnect is wanted;
// delivered reports whether at least one frame arrived.
func (s *Synchronizer) readPump(ctx context.Context, conn *websocket.Conn, jobID string) (clean, delivered bool) {
	defer conn.Close()

	// Proactively ask for the current snapshot.
	if err := conn.WriteJSON(snapshotRequest{Type: "request_progress"}); err != nil {
		s.logger.Debug("snapshot request failed", zap.Error(err))
		return false, false
	}

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	// done releases the reader goroutine even when it is blocked sending on
	// a full frames buffer while this side is already returning.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			// Intentional teardown: tell the server and stop for good.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return true, delivered

		case <-hb.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				s.logger.Debug("heartbeat failed", zap.Error(err))
				return false, delivered
			}

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, delivered
			}
			s.logger.Debug("push channel read failed", zap.String("job_id", jobID), zap.Error(err))
			return false, delivered

		case data := <-frames:
			delivered = true
			up, err := events.Decode(data)
			if err != nil {
				// Malformed frames are dropped, never fatal.
				s.logger.Debug("dropping malformed event", zap.Error(err))
				continue
			}
			switch up.Kind {
			case events.KindProgressUpdate, events.KindLegacyAgentProgress:
				s.applySnapshot(up.Snapshot, "stream")
			case events.KindSessionProgress:
				s.applySnapshot(snapshotFromExecutions(up.SessionID, up.Executions), "stream")
			case events.KindConnectionEstablished, events.KindUnknown:
				// Acknowledgements and unrecognized kinds are ignored.
			}
			if s.terminal.Load() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return true, delivered
			}
		}
	}
}
