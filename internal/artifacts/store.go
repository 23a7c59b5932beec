// Package artifacts implements the external-storage backend for oversized
// runner log excerpts (SPEC_FULL.md §3 artifact storage backends supplement).
// When a verify/implement runner-logs excerpt's original length exceeds
// ExternalLogThreshold, the full log is uploaded here and the artifact row's
// payload records {bucket, key, originalLength} next to the truncated inline
// excerpt.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ExternalLogThreshold is the original (untruncated) length past which a
// runner log excerpt is uploaded externally instead of being truncated
// inline-only (SPEC_FULL.md §3, §8).
const ExternalLogThreshold = 32 * 1024

// Default timeouts for object-store operations.
const (
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDataTimeout     = 60 * time.Second
)

// Config holds connection and timeout settings for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	MetadataTimeout time.Duration
	DataTimeout     time.Duration
}

// Store is the slim put/get object-store backend conductor needs: one blob
// per (run, station) log excerpt, never listed, versioned, or multi-part.
type Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewStore creates a Store connected to the given endpoint, auto-creating
// the bucket if it doesn't exist.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Bucket returns the configured bucket name, for callers that record
// {bucket, key} in an artifact payload.
func (s *Store) Bucket() string { return s.bucket }

// LogKey returns the deterministic object key for a station's full runner
// log (runs/<runId>/<station>-full.log, SPEC_FULL.md §3).
func LogKey(runID string, station string) string {
	return fmt.Sprintf("runs/%s/%s-full.log", runID, station)
}

// ShouldStoreExternal reports whether a runner log excerpt of originalLen
// bytes must be uploaded externally rather than truncated inline-only
// (SPEC_FULL.md §3, §8: exactly-at-threshold stays inline).
func ShouldStoreExternal(originalLen int) bool {
	return originalLen > ExternalLogThreshold
}

// Put uploads content under key, overwriting any prior object there (a
// resumed station may re-upload an improved log, same upsert spirit as
// artifact rows themselves).
func (s *Store) Put(ctx context.Context, key string, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	reader := bytes.NewReader(content)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get fetches the full content stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// HealthCheck verifies object-store connectivity by checking the configured
// bucket exists.
func (s *Store) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("object store bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %q does not exist", s.bucket)
	}
	return nil
}
