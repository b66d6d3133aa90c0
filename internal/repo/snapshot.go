package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// SnapshotConfig contains S3-compatible storage settings for repository
// snapshots.
type SnapshotConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// SnapshotStore persists full repository CAR archives to an S3-compatible
// object store, keyed by DID and rev, for backup and re-sync.
type SnapshotStore struct {
	client *s3.Client
	bucket string
}

// NewSnapshotStore creates a snapshot store from config.
func NewSnapshotStore(cfg *SnapshotConfig) *SnapshotStore {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(fmt.Sprintf("http://%s", cfg.Endpoint)),
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true, // required for S3-compatible services like Garage
	})

	return &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
	}
}

// snapshotKey returns the object key for one repository snapshot.
func snapshotKey(did, rev string) string {
	return fmt.Sprintf("snapshots/%s/%s.car", did, rev)
}

// Ping verifies the bucket is reachable.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to reach snapshot bucket: %w", err)
	}
	return nil
}

// Upload exports the repository as a CAR archive and stores it under the
// repository's current rev. Returns the object key.
func (s *SnapshotStore) Upload(ctx context.Context, r *Repo) (string, error) {
	buf := new(bytes.Buffer)
	if err := r.ExportCAR(ctx, buf); err != nil {
		return "", fmt.Errorf("failed to export repo: %w", err)
	}

	key := snapshotKey(r.DID(), r.Rev())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/vnd.ipld.car"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return key, nil
}

// UploadAll snapshots several repositories concurrently.
func (s *SnapshotStore) UploadAll(ctx context.Context, repos []*Repo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, r := range repos {
		g.Go(func() error {
			if _, err := s.Upload(ctx, r); err != nil {
				return fmt.Errorf("failed to snapshot %s: %w", r.DID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Fetch downloads a snapshot archive.
func (s *SnapshotStore) Fetch(ctx context.Context, did, rev string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(snapshotKey(did, rev)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer result.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}
	return data, nil
}

// List returns the revs of the stored snapshots for one DID, in key order.
func (s *SnapshotStore) List(ctx context.Context, did string) ([]string, error) {
	prefix := fmt.Sprintf("snapshots/%s/", did)

	var revs []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			name := strings.TrimPrefix(*obj.Key, prefix)
			revs = append(revs, strings.TrimSuffix(name, ".car"))
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return revs, nil
}
