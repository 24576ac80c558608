package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

// ImageStore stores a snapshot under key and returns where it can be fetched
type ImageStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// MinioConfig configures the snapshot bucket
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL, when set, prefixes returned snapshot URLs instead of the endpoint
	PublicURL string
}

// MinioStore keeps snapshots in a MinIO / S3 bucket
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL *url.URL
	useSSL  bool
}

// NewMinioStore connects and creates the bucket when it does not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access key and secret key are required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := cli.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	var base *url.URL
	if cfg.PublicURL != "" {
		if base, err = url.Parse(cfg.PublicURL); err != nil {
			return nil, fmt.Errorf("invalid minio public URL: %w", err)
		}
	}

	return &MinioStore{client: cli, bucket: cfg.Bucket, baseURL: base, useSSL: cfg.UseSSL}, nil
}

// SaveSnapshot implements ImageStore.
func (s *MinioStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return s.objectURL(key), nil
}

func (s *MinioStore) objectURL(key string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
		return u.String()
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key)
}

// StoredFunc is told where a detection's snapshot ended up
type StoredFunc func(ctx context.Context, d risk.Detection, key, location string) error

// Archiver uploads the annotated frame behind every accepted detection
type Archiver struct {
	store    ImageStore
	onStored StoredFunc
	log      zerolog.Logger
}

// NewArchiver creates an archiver. onStored may be nil.
func NewArchiver(store ImageStore, onStored StoredFunc, log zerolog.Logger) *Archiver {
	return &Archiver{store: store, onStored: onStored, log: log}
}

// SnapshotKey is the object key for a detection snapshot.
func SnapshotKey(d risk.Detection) string {
	return fmt.Sprintf("%s/%s/%s.jpg", d.CameraID, d.Timestamp.UTC().Format("2006/01/02"), d.ID)
}

// Run archives detection frames until ctx is done or events closes.
func (a *Archiver) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != pipeline.EventDetectionAdded || ev.Detection == nil || len(ev.Frame) == 0 {
				continue
			}
			if err := a.archive(ctx, *ev.Detection, ev.Frame); err != nil {
				a.log.Warn().Err(err).Str("detection", ev.Detection.ID).Msg("failed to archive snapshot")
			}
		}
	}
}

func (a *Archiver) archive(ctx context.Context, d risk.Detection, frame []byte) error {
	key := SnapshotKey(d)
	location, err := a.store.SaveSnapshot(ctx, key, frame, "image/jpeg")
	if err != nil {
		return err
	}
	a.log.Debug().Str("detection", d.ID).Str("location", location).Msg("snapshot archived")
	if a.onStored == nil {
		return nil
	}
	return a.onStored(ctx, d, key, location)
}
