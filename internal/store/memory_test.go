package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpautohealer/backend/internal/incident"
)

func TestMemory_SaveAndGetCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	inc := &incident.Incident{ID: "inc-1", SiteID: "site-1", State: incident.StateNew, CreatedAt: time.Now()}
	require.NoError(t, m.SaveIncident(ctx, inc))

	got, err := m.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	got.State = incident.StateEscalated

	again, err := m.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StateNew, again.State, "stored value not aliased to the returned pointer")
}

func TestMemory_GetMissing(t *testing.T) {
	_, err := NewMemory().GetIncident(context.Background(), "nope")
	require.Error(t, err)
}

func TestMemory_ListActiveSkipsTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, m.SaveIncident(ctx, &incident.Incident{ID: "b", State: incident.StateVerify, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, m.SaveIncident(ctx, &incident.Incident{ID: "a", State: incident.StateBackup, CreatedAt: base}))
	require.NoError(t, m.SaveIncident(ctx, &incident.Incident{ID: "c", State: incident.StateFixed, CreatedAt: base}))
	require.NoError(t, m.SaveIncident(ctx, &incident.Incident{ID: "d", State: incident.StateEscalated, CreatedAt: base}))

	active, err := m.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID, "ordered by creation time")
	assert.Equal(t, "b", active[1].ID)
}

func TestMemory_AppendEventAssignsDenseSequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &incident.Event{IncidentID: "inc-1", From: incident.StateNew, To: incident.StateDiscovery, Actor: "engine"}
		require.NoError(t, m.AppendEvent(ctx, ev))
		assert.Equal(t, i+1, ev.Sequence)
	}

	events, err := m.Events(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Sequence)
	}
}
