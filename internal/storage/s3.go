// Package storage syncs local artifact trees with the remote object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/config"
)

// Store is the object-store capability the backup and restore runs depend
// on: upload a whole local tree under a remote prefix, fetch one key.
type Store interface {
	PutTree(ctx context.Context, localDir, remotePrefix string) error
	Get(ctx context.Context, key, localPath string) (Outcome, error)
}

// S3Store implements Store against an S3-compatible endpoint.
type S3Store struct {
	logger     zerolog.Logger
	bucket     string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Store builds an S3Store from the run configuration. Static
// credentials from the config take precedence; otherwise the default AWS
// credential chain is used.
func NewS3Store(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (*S3Store, error) {
	var client *s3.Client

	if cfg.AccessKey != "" {
		opts := s3.Options{
			Region:       cfg.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			UsePathStyle: cfg.UsePathStyle,
		}
		if cfg.Endpoint != "" {
			opts.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		client = s3.New(opts)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		logger:     logger.With().Str("component", "s3-store").Logger(),
		bucket:     cfg.Bucket,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

// PutTree uploads every regular file under localDir to
// {remotePrefix}/{relative path}. Remote keys always use forward slashes.
func (s *S3Store) PutTree(ctx context.Context, localDir, remotePrefix string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", p, err)
		}
		key := path.Join(remotePrefix, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()

		s.logger.Info().Str("key", key).Msg("uploading artifact")
		if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		return nil
	})
}

// Get downloads one key into localPath, creating parent directories. The
// returned Outcome distinguishes a missing key from a transient failure.
func (s *S3Store) Get(ctx context.Context, key, localPath string) (Outcome, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return OutcomeTransient, fmt.Errorf("create directory for %s: %w", localPath, err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()

	s.logger.Info().Str("key", key).Str("path", localPath).Msg("downloading artifact")
	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		var noKey *s3types.NoSuchKey
		var notFound *s3types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return OutcomeNotFound, fmt.Errorf("artifact %s not found: %w", key, err)
		}
		return OutcomeTransient, fmt.Errorf("download %s: %w", key, err)
	}

	return OutcomeSuccess, nil
}
