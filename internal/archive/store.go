// Package archive writes weekly leaderboard rollups to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"wikinovel/api/internal/leaderboard"
)

const keyPrefix = "leaderboards/weekly/"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type Store struct {
	client *minio.Client
	bucket string
	region string
}

func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: opts.Bucket, region: region}, nil
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutRollup stores the rollup under its week start date and returns the
// object key. Rewriting a week replaces the previous object.
func (s *Store) PutRollup(ctx context.Context, rollup leaderboard.Rollup) (string, error) {
	payload, err := Encode(rollup)
	if err != nil {
		return "", err
	}
	key := ObjectKey(rollup.WindowStart)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func ObjectKey(weekStart time.Time) string {
	return keyPrefix + weekStart.Format("2006-01-02") + ".json"
}

func Encode(rollup leaderboard.Rollup) ([]byte, error) {
	payload, err := json.MarshalIndent(rollup, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode rollup: %w", err)
	}
	return append(payload, '\n'), nil
}
