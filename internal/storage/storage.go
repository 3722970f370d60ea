package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-platform/internal/config"
	"go.uber.org/zap"
)

const (
	TypeMinIO = "minio"
	TypeS3    = "s3"
	TypeLocal = "local"
)

var (
	ErrNotFound = errors.New("storage: object not found")
	ErrDisabled = errors.New("storage: backend is not configured")
)

// ObjectStore is the attachment blob store.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// ObjectKey is the attachment key layout: {conversation_id}/{file_id}.
func ObjectKey(conversationID, fileID string) string {
	return conversationID + "/" + fileID
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (ObjectStore, error) {
	switch strings.ToLower(cfg.StorageType) {
	case TypeMinIO, TypeS3:
		return NewS3Store(ctx, S3Options{
			Endpoint:     cfg.StorageEndpoint,
			Region:       cfg.StorageRegion,
			Bucket:       cfg.StorageBucket,
			AccessKey:    cfg.StorageAccessKey,
			SecretKey:    cfg.StorageSecretKey,
			UsePathStyle: cfg.StorageUsePathStyle || strings.EqualFold(cfg.StorageType, TypeMinIO),
		}, log)
	case TypeLocal:
		return NewLocalStore(cfg.StorageLocalPath, cfg.StorageLocalBaseURL, log)
	default:
		return nil, fmt.Errorf("storage: unsupported STORAGE_TYPE=%q", cfg.StorageType)
	}
}
