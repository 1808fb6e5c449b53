package jobengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fetchbridge/dlsvc/internal/interfaces"
	"github.com/fetchbridge/dlsvc/internal/models"
)

// descriptor is the small object written to the store per job; it stands in
// for the real file payload, whose transfer the worker only simulates.
type descriptor struct {
	JobID   string  `json:"jobId"`
	UserID  string  `json:"userId"`
	FileIDs []int64 `json:"fileIds"`
	StagedAt time.Time `json:"stagedAt"`
}

// Stager composes a namespaced object key, writes a descriptor, and
// requests a presigned GET URL for it.
type Stager struct {
	store  interfaces.ObjectStorage
	urlTTL time.Duration
}

// NewStager constructs a stager over the given object storage capability.
func NewStager(store interfaces.ObjectStorage, urlTTL time.Duration) *Stager {
	return &Stager{store: store, urlTTL: urlTTL}
}

// objectKey composes a path-traversal-safe key namespaced by userId and
// jobId. userId is optional in the job model, so an empty segment is
// normalized to "anon" rather than left empty (which would collapse the
// namespace for anonymous submissions).
func objectKey(userID, jobID string) string {
	u := sanitizeKeySegment(userID)
	if u == "" {
		u = "anon"
	}
	j := sanitizeKeySegment(jobID)
	return fmt.Sprintf("downloads/%s/%s.json", u, j)
}

// sanitizeKeySegment strips path separators and parent-directory references
// so a malicious userId/jobId can never escape its namespace.
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

// Stage writes the job's descriptor and returns a presigned URL for it.
// Returns a TransientError for reachability/timeout failures and a
// PermanentError for malformed input.
func (s *Stager) Stage(ctx context.Context, job *models.Job) (*models.Result, error) {
	if len(job.FileIDs) == 0 {
		return nil, Permanent(fmt.Errorf("job %s has no file ids to stage", job.JobID))
	}

	key := objectKey(job.UserID, job.JobID)

	d := descriptor{
		JobID:    job.JobID,
		UserID:   job.UserID,
		FileIDs:  job.FileIDs,
		StagedAt: time.Now(),
	}
	body, err := json.Marshal(d)
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal descriptor: %w", err))
	}

	if err := s.store.PutDescriptor(ctx, key, body); err != nil {
		if IsPermanent(err) || IsTransient(err) {
			return nil, err
		}
		return nil, Transient(err)
	}

	url, expiresAt, err := s.store.PresignGet(ctx, key, s.urlTTL)
	if err != nil {
		if IsPermanent(err) || IsTransient(err) {
			return nil, err
		}
		return nil, Transient(err)
	}

	sum := sha256.Sum256(body)
	return &models.Result{
		URL:          url,
		Checksum:     hex.EncodeToString(sum[:]),
		Size:         int64(len(body)),
		URLExpiresAt: expiresAt,
	}, nil
}
