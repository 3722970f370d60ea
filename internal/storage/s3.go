package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

type S3Options struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store talks to MinIO or any S3-compatible endpoint.
type S3Store struct {
	bucket   string
	client   *s3.Client
	presign  *s3.PresignClient
	log      *zap.Logger
	disabled bool
}

func NewS3Store(ctx context.Context, opts S3Options, log *zap.Logger) (*S3Store, error) {
	logger := log.With(zap.String("component", "s3-storage"))
	store := &S3Store{
		bucket: strings.TrimSpace(opts.Bucket),
		log:    logger,
	}

	accessKey := strings.TrimSpace(opts.AccessKey)
	secretKey := strings.TrimSpace(opts.SecretKey)
	if store.bucket == "" || accessKey == "" || secretKey == "" {
		logger.Warn("STORAGE_BUCKET or credentials are not set; attachments are disabled until configured")
		store.disabled = true
		return store, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	store.presign = s3.NewPresignClient(store.client)
	return store, nil
}

func (s *S3Store) ensureEnabled() error {
	if s.disabled {
		return ErrDisabled
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Copy is a server-side copy inside the bucket.
func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	segments := strings.Split(srcKey, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	source := s.bucket + "/" + strings.Join(segments, "/")
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// isNoSuchKey covers the modelled GetObject error and the generic API error that
// CopyObject returns for a missing source.
func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
