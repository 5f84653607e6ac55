package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpautohealer/backend/internal/errs"
)

func TestCanTransition_EdgeSet(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateNew, StateDiscovery},
		{StateDiscovery, StateBaseline},
		{StateDiscovery, StateEscalated},
		{StateBaseline, StateBackup},
		{StateBackup, StateObservability},
		{StateObservability, StateFixAttempt},
		{StateObservability, StateFixed},
		{StateFixAttempt, StateVerify},
		{StateFixAttempt, StateRollback},
		{StateVerify, StateFixed},
		{StateVerify, StateFixAttempt},
		{StateVerify, StateRollback},
		{StateRollback, StateVerify},
		{StateRollback, StateEscalated},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge.from, edge.to), "%s → %s must be allowed", edge.from, edge.to)
	}

	denied := []struct{ from, to State }{
		{StateNew, StateFixAttempt},
		{StateNew, StateEscalated},
		{StateDiscovery, StateFixAttempt},
		{StateBaseline, StateObservability},
		{StateBackup, StateFixAttempt}, // backup cannot be skipped
		{StateFixed, StateFixAttempt},
		{StateEscalated, StateDiscovery},
		{StateRollback, StateFixed},
	}
	for _, edge := range denied {
		assert.False(t, CanTransition(edge.from, edge.to), "%s → %s must be rejected", edge.from, edge.to)
	}
}

func TestTransition_IllegalEdgeIsStateError(t *testing.T) {
	inc := &Incident{ID: "inc-1", State: StateNew}
	err := inc.Transition(StateFixAttempt)
	require.Error(t, err)

	var stateErr *errs.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "inc-1", stateErr.IncidentID)
	assert.Equal(t, StateNew, inc.State, "incident unchanged on rejected transition")
}

func TestTransition_FixAttemptIncrementsCounter(t *testing.T) {
	inc := &Incident{ID: "inc-1", State: StateObservability}
	require.NoError(t, inc.Transition(StateFixAttempt))
	assert.Equal(t, 1, inc.FixAttempts)

	require.NoError(t, inc.Transition(StateVerify))
	require.NoError(t, inc.Transition(StateFixAttempt))
	assert.Equal(t, 2, inc.FixAttempts)
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	inc := &Incident{ID: "inc-1", State: StateVerify}
	require.NoError(t, inc.Transition(StateFixed))
	require.NotNil(t, inc.ResolvedAt)

	err := inc.Transition(StateVerify)
	require.Error(t, err)

	esc := &Incident{ID: "inc-2", State: StateDiscovery}
	require.NoError(t, esc.Transition(StateEscalated))
	require.NotNil(t, esc.EscalatedAt)
	require.Error(t, esc.Transition(StateBaseline))
}
