package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	require.ErrorContains(t, err, "must not be empty")
}

func TestSQLite_EmptyThread(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	turns, err := s.GetTurnCount(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, turns)

	history, err := s.GetHistory(ctx, "t1", 20)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSQLite_SaveAndReadBack(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCompletedTurn(ctx, "t1", "5511", "oi", "Olá! Como posso ajudar?", 1))
	require.NoError(t, s.SaveCompletedTurn(ctx, "t1", "5511", "quero uma coca", "Claro!", 2))
	require.NoError(t, s.SaveCompletedTurn(ctx, "t2", "5522", "other thread", "ok", 1))

	turns, err := s.GetTurnCount(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, turns)

	history, err := s.GetHistory(ctx, "t1", 20)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "oi", history[0].Text)
	require.Equal(t, "Claro!", history[1].Answer)
	require.Equal(t, "THREAD#t1", history[0].PK)
	require.Contains(t, history[0].SK, "MSG#")
	require.Equal(t, StatusComplete, history[1].Status)
	require.Equal(t, "5511", history[1].Sender)
}

func TestSQLite_GetHistory_LimitKeepsNewestInChronologicalOrder(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SaveCompletedTurn(ctx, "t1", "5511", fmt.Sprintf("m%d", i), "a", i))
	}

	history, err := s.GetHistory(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "m4", history[0].Text)
	require.Equal(t, "m5", history[1].Text)

	history, err = s.GetHistory(ctx, "t1", 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCompletedTurn(context.Background(), "t1", "5511", "oi", "olá", 1))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	turns, err := s.GetTurnCount(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, turns)
}
