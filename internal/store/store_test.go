package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSessionsUpsertAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	require.NoError(t, s.UpsertSessions(ctx, []Session{
		{ID: "s1", Title: "first", CreatedAt: older, UpdatedAt: older},
		{ID: "s2", Title: "second", CreatedAt: older, UpdatedAt: newer},
	}))
	require.NoError(t, s.UpsertSessions(ctx, []Session{
		{ID: "s1", Title: "renamed", CreatedAt: older, UpdatedAt: newer.Add(time.Hour)},
	}))

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s1", sessions[0].ID)
	require.Equal(t, "renamed", sessions[0].Title)
	require.Equal(t, "s2", sessions[1].ID)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.Error(t, s.UpsertSessions(ctx, []Session{{Title: "no id"}}))
}

func TestTranscriptReplaceKeepsOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.ReplaceTranscript(ctx, "s1", []Message{
		{ID: "temp-1", Role: "user", Content: "Hi"},
		{ID: "assistant-1", Role: "assistant", Content: "Hel"},
	}))
	require.NoError(t, s.ReplaceTranscript(ctx, "s1", []Message{
		{ID: "10", Role: "user", Content: "Hi"},
		{ID: "11", Role: "assistant", Content: "Hello"},
		{ID: "12", Role: "user", Content: "again"},
	}))

	msgs, err := s.Transcript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, i, m.Position)
		require.Equal(t, "s1", m.SessionID)
	}
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, "12", msgs[2].ID)

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "transcript writes create the session row")

	empty, err := s.Transcript(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDeleteSessionDropsTranscript(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.ReplaceTranscript(ctx, "s1", []Message{{ID: "1", Role: "user", Content: "x"}}))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	msgs, err := s.Transcript(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, msgs)
	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	s, err := Open(path, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "x.db"), "postgres")
	require.Error(t, err)
	_, err = Open("  ", "")
	require.Error(t, err)
}
