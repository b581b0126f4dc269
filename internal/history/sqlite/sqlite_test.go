package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/psy/internal/history"
)

var _ history.Store = (*Sink)(nil)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	events := []history.Event{
		{Type: "start", ID: "web", OccurredAt: base},
		{Type: "spawn", ID: "web", PID: 4242, Detail: "PID 4242", OccurredAt: base.Add(time.Second)},
		{Type: "spawn", ID: "job", PID: 17, Detail: "PID 17", OccurredAt: base.Add(2 * time.Second)},
		{Type: "exit", ID: "web", PID: 4242, Detail: "signal SIGTERM", OccurredAt: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	web, err := sink.Recent(ctx, "web", 10)
	require.NoError(t, err)
	require.Len(t, web, 3)
	assert.Equal(t, "exit", web[0].Type)
	assert.Equal(t, "signal SIGTERM", web[0].Detail)
	assert.Equal(t, 4242, web[1].PID)
	assert.Equal(t, "", web[2].Detail)
	assert.True(t, web[1].OccurredAt.Equal(base.Add(time.Second)))

	all, err := sink.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "web", all[0].ID)
	assert.Equal(t, "job", all[1].ID)
}

func TestSQLiteSinkReopenKeepsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "h.db")
	s1, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Send(context.Background(), history.Event{Type: "stop", ID: "x"}))
	require.NoError(t, s1.Close())

	s2, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	got, err := s2.Recent(context.Background(), "x", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].OccurredAt.IsZero())
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestMemoryDSN(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Send(context.Background(), history.Event{Type: "start", ID: "m"}))
	got, err := s.Recent(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
