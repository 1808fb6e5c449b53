package jobengine

import (
	"testing"

	"github.com/fetchbridge/dlsvc/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	cases := []struct {
		from models.Status
		to   models.Status
		want bool
	}{
		{models.StatusQueued, models.StatusRunning, true},
		{models.StatusQueued, models.StatusCancelled, true},
		{models.StatusQueued, models.StatusExpired, true},
		{models.StatusQueued, models.StatusCompleted, false},
		{models.StatusRunning, models.StatusProcessingArtifacts, true},
		{models.StatusRunning, models.StatusFailed, true},
		{models.StatusRunning, models.StatusQueued, false},
		{models.StatusProcessingArtifacts, models.StatusCompleted, true},
		{models.StatusProcessingArtifacts, models.StatusQueued, false},
		{models.StatusFailed, models.StatusQueued, true},
		{models.StatusCompleted, models.StatusQueued, false},
		{models.StatusCancelled, models.StatusRunning, false},
		{models.StatusExpired, models.StatusQueued, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, canTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	job := &models.Job{Status: models.StatusCompleted}
	err := transition(job, models.StatusRunning)
	require.ErrorIs(t, err, ErrIllegalEdge)
	assert.Equal(t, models.StatusCompleted, job.Status, "status must be unchanged on rejection")
}

func TestTransition_AppliesLegalEdge(t *testing.T) {
	job := &models.Job{Status: models.StatusQueued}
	require.NoError(t, transition(job, models.StatusRunning))
	assert.Equal(t, models.StatusRunning, job.Status)
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	nonTerminal := []models.Status{models.StatusQueued, models.StatusRunning, models.StatusProcessingArtifacts}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}
