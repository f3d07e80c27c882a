package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectStore interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive copies every flushed version record into an object store bucket.
type Archive struct {
	client objectStore
	bucket string
	log    zerolog.Logger
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("archive bucket created")
	}
	return newArchive(client, cfg.Bucket, log), nil
}

func newArchive(client objectStore, bucket string, log zerolog.Logger) *Archive {
	return &Archive{client: client, bucket: bucket, log: log}
}

type object struct {
	VersionID  int64     `json:"versionId"`
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	AuthorID   string    `json:"authorId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ObjectKey is versions/{document}/{created}.json, sortable by creation time.
func ObjectKey(record store.VersionRecord) string {
	return fmt.Sprintf("versions/%s/%s.json",
		url.PathEscape(record.DocumentID),
		record.CreatedAt.UTC().Format("20060102T150405.000000000Z"))
}

func (a *Archive) Name() string {
	return "archive"
}

func (a *Archive) VersionFlushed(ctx context.Context, record store.VersionRecord) error {
	raw, err := json.Marshal(object{
		VersionID:  record.ID,
		DocumentID: record.DocumentID,
		Title:      record.Payload.Title,
		Content:    record.Payload.Content,
		AuthorID:   record.AuthorID,
		CreatedAt:  record.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode archive object: %w", err)
	}

	key := ObjectKey(record)
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Debug().Str("document_id", record.DocumentID).Str("object", key).Msg("version archived")
	return nil
}
