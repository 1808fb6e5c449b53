package jobengine

import "github.com/fetchbridge/dlsvc/internal/models"

// legalEdges is the closed set of allowed status transitions.
var legalEdges = map[models.Status]map[models.Status]bool{
	models.StatusQueued: {
		models.StatusRunning:   true,
		models.StatusCancelled: true,
		models.StatusExpired:   true,
	},
	models.StatusRunning: {
		models.StatusProcessingArtifacts: true,
		models.StatusFailed:              true,
		models.StatusCancelled:           true,
		models.StatusExpired:             true,
	},
	models.StatusProcessingArtifacts: {
		models.StatusCompleted: true,
		models.StatusFailed:    true,
		models.StatusCancelled: true,
		models.StatusExpired:   true,
	},
	models.StatusFailed: {
		models.StatusQueued: true, // retry edge; guarded separately by attempts < maxAttempts
	},
}

// canTransition reports whether from -> to is a legal edge. Terminal
// states other than failed (completed, cancelled, expired) have no outgoing
// edges and are absent from legalEdges, so the zero-value lookup already
// rejects them.
func canTransition(from, to models.Status) bool {
	edges, ok := legalEdges[from]
	if !ok {
		return false
	}
	return edges[to]
}

// transition mutates job.Status to to if the edge is legal, returning
// ErrIllegalEdge otherwise. Rejection here is always a programming error in
// the caller (the worker or registry driving the state machine incorrectly);
// it is never expected to surface to an external caller.
func transition(job *models.Job, to models.Status) error {
	if !canTransition(job.Status, to) {
		return ErrIllegalEdge
	}
	job.Status = to
	return nil
}
