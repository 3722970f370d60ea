package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LocalStore keeps attachments on the filesystem. It is meant for development and tests.
type LocalStore struct {
	basePath string
	baseURL  string
	log      *zap.Logger
}

func NewLocalStore(basePath, baseURL string, log *zap.Logger) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("local storage: %w", ErrDisabled)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &LocalStore{
		basePath: basePath,
		baseURL:  strings.TrimSpace(baseURL),
		log:      log.With(zap.String("component", "local-storage")),
	}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("local storage: invalid key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}

func (l *LocalStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	full, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, body)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	l.log.Debug("object stored", zap.String("key", key), zap.Int64("bytes", written))
	return nil
}

func (l *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	full, err := l.path(key)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return f, mime.TypeByExtension(filepath.Ext(full)), nil
}

// PresignGet returns a plain URL; local files are not access controlled.
func (l *LocalStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	full, err := l.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if l.baseURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(l.baseURL, "/"), filepath.ToSlash(key)), nil
	}
	return "file://" + full, nil
}

func (l *LocalStore) Delete(ctx context.Context, key string) error {
	full, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, _, err := l.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()
	return l.Put(ctx, dstKey, src, -1, "")
}
