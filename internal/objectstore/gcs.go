// Package objectstore provides implementations of interfaces.ObjectStorage:
// a production Google Cloud Storage backend and an in-memory fake for tests
// and local development.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/fetchbridge/dlsvc/internal/jobengine"
	"golang.org/x/time/rate"
)

// GCSStore is the production ObjectStorage backend: a thin wrapper over
// *storage.Client scoped to one bucket, writing callers' payloads directly
// to object bytes.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

// GCSOption configures a GCSStore.
type GCSOption func(*GCSStore)

// WithRateLimit caps outbound requests per second. A non-positive value
// disables limiting.
func WithRateLimit(requestsPerSecond int) GCSOption {
	return func(s *GCSStore) {
		if requestsPerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithPrefix namespaces every object key under prefix.
func WithPrefix(prefix string) GCSOption {
	return func(s *GCSStore) { s.prefix = prefix }
}

// NewGCSStore creates a GCS-backed store for bucket. It assumes the client
// is authenticated (e.g. via GOOGLE_APPLICATION_CREDENTIALS or ADC).
func NewGCSStore(ctx context.Context, bucket string, opts ...GCSOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	s := &GCSStore{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *GCSStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *GCSStore) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// PutDescriptor writes data under key. Write failures are classified by
// classifyErr (a cancelled/expired context is permanent, network and
// availability failures are transient); a failed rate-limiter wait is
// permanent.
func (s *GCSStore) PutDescriptor(ctx context.Context, key string, data []byte) error {
	if err := s.wait(ctx); err != nil {
		return jobengine.Permanent(err)
	}

	obj := s.client.Bucket(s.bucket).Object(s.key(key))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classifyErr(err)
	}
	if err := w.Close(); err != nil {
		return classifyErr(err)
	}
	return nil
}

// PresignGet mints a V4 signed GET URL for key valid for ttl.
func (s *GCSStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := s.wait(ctx); err != nil {
		return "", time.Time{}, jobengine.Permanent(err)
	}

	expiresAt := time.Now().Add(ttl)
	url, err := s.client.Bucket(s.bucket).SignedURL(s.key(key), &storage.SignedURLOptions{
		Method:  "GET",
		Expires: expiresAt,
	})
	if err != nil {
		return "", time.Time{}, classifyErr(err)
	}
	return url, expiresAt, nil
}

// HealthCheck reports whether the bucket is reachable.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// classifyErr maps a GCS client error to a transient or permanent wrapper.
// storage.ErrObjectNotExist and a cancelled/deadline-exceeded context are
// permanent: no amount of retrying produces a different outcome. Everything
// else (5xx, connection reset, DNS hiccup) is assumed transient.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return jobengine.Permanent(err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return jobengine.Transient(err)
	}
	return jobengine.Transient(err)
}
