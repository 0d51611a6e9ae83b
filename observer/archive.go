package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dcshock/topicpipe/pipeline"
)

// ObjectPutter is the part of *minio.Client ArchiveRecorder uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveRecorder stores each run status as a JSON object named
// <prefix>/<pipeline id>/<yyyy>/<mm>/<dd>/<run uid>.json.
type ArchiveRecorder struct {
	client       ObjectPutter
	bucket       string
	prefix       string
	onlyFailures bool
}

// ArchiveOption configures an ArchiveRecorder.
type ArchiveOption func(*ArchiveRecorder)

// WithPrefix sets the object name prefix (default "runs").
func WithPrefix(prefix string) ArchiveOption {
	return func(a *ArchiveRecorder) { a.prefix = prefix }
}

// OnlyFailures archives ERROR runs only.
func OnlyFailures() ArchiveOption {
	return func(a *ArchiveRecorder) { a.onlyFailures = true }
}

// NewArchiveRecorder returns a recorder writing to bucket through client.
func NewArchiveRecorder(client ObjectPutter, bucket string, opts ...ArchiveOption) *ArchiveRecorder {
	a := &ArchiveRecorder{client: client, bucket: bucket, prefix: "runs"}
	for _, o := range opts {
		o(a)
	}
	return a
}

// MinIOConfig holds connection settings for NewMinIOClient.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinIOClient connects to a MinIO or S3 endpoint with static credentials.
func NewMinIOClient(cfg MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client %s: %w", cfg.Endpoint, err)
	}
	return client, nil
}

// ObjectName returns the object name a status is archived under.
func (a *ArchiveRecorder) ObjectName(s *pipeline.RunStatus) string {
	t := s.StartTime.UTC()
	return path.Join(a.prefix, s.PipelineID, t.Format("2006/01/02"), s.UID+".json")
}

// RecordRunStatus implements pipeline.Recorder.
func (a *ArchiveRecorder) RecordRunStatus(ctx context.Context, s *pipeline.RunStatus) error {
	if a.onlyFailures && s.Status != pipeline.StatusError {
		return nil
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", s.UID, err)
	}
	name := a.ObjectName(s)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"pipeline-id": s.PipelineID,
			"status":      string(s.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("archive run %s to %s/%s: %w", s.UID, a.bucket, name, err)
	}
	return nil
}
