package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/meridian/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlite3"), nil), mock
}

func TestSaveSessionReplacesHistory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-1", "quantum batteries", "the report",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM agent_executions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO agent_executions").
		WithArgs(sqlmock.AnyArg(), "sess-1", "searcher", models.AgentCompleted,
			"query A", "learning A", "{}", 1.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SaveSession(context.Background(), &SavedSession{
		ID:          "sess-1",
		Topic:       "quantum batteries",
		FinalReport: "the report",
		Executions: []models.AgentExecution{{
			AgentName:            "searcher",
			Status:               models.AgentCompleted,
			Input:                "query A",
			Output:               "learning A",
			ExecutionTimeSeconds: 1.5,
			Timestamp:            time.Now(),
		}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSessionAssignsID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM agent_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	sess := &SavedSession{Topic: "a topic"}
	require.NoError(t, s.SaveSession(context.Background(), sess))
	require.NotEmpty(t, sess.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSessionRebuildsExecutions(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, topic, final_report, created_at, updated_at").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "topic", "final_report", "created_at", "updated_at"}).
			AddRow("sess-1", "quantum batteries", "the report", now, now))
	mock.ExpectQuery("SELECT id, session_id, agent_name").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "session_id", "agent_name", "status", "input",
				"output", "metadata", "execution_time_seconds", "timestamp"}).
			AddRow("e1", "sess-1", "searcher", models.AgentCompleted,
				"query A", "learning A", `{"phase":"research"}`, 1.5, now).
			AddRow("e2", "sess-1", "writer", models.AgentFailed,
				"query B", "", "{}", 0.2, now))

	sess, err := s.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "quantum batteries", sess.Topic)
	require.Len(t, sess.Executions, 2)
	require.Equal(t, "searcher", sess.Executions[0].AgentName)
	require.Equal(t, "research", sess.Executions[0].Metadata["phase"])
	require.Equal(t, models.AgentFailed, sess.Executions[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSessionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, topic, final_report").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "topic", "final_report", "created_at", "updated_at"}))

	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, topic, final_report, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "topic", "final_report", "created_at", "updated_at"}).
			AddRow("s2", "newer", "", now, now).
			AddRow("s1", "older", "", now.Add(-time.Hour), now.Add(-time.Hour)))

	sessions, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "newer", sessions[0].Topic)
}

func TestDeleteSessionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
