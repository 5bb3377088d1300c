package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ctrlai/ledger/internal/audit"
)

// S3Options configures the S3 backend. Endpoint and UsePathStyle are for
// S3-compatible services such as MinIO.
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3 stores objects in one bucket. The bucket must have object lock enabled
// for retention to be enforced.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 builds an S3 backend from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
	}, nil
}

// Bucket returns the bucket name.
func (s *S3) Bucket() string { return s.bucket }

// PutObject uploads obj with a SHA-256 checksum and, if requested, a
// COMPLIANCE mode retention lock.
func (s *S3) PutObject(ctx context.Context, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(obj.Key),
		Body:              bytes.NewReader(obj.Body),
		ContentType:       aws.String(obj.ContentType),
		Metadata:          obj.Metadata,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if !obj.RetainUntil.IsZero() {
		in.ObjectLockMode = types.ObjectLockModeCompliance
		in.ObjectLockRetainUntilDate = aws.Time(obj.RetainUntil)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, obj.Key, err)
	}
	return nil
}

// StatObject returns object metadata and its replication state.
func (s *S3) StatObject(ctx context.Context, key string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Info{}, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, audit.ErrNotFound)
		}
		return Info{}, fmt.Errorf("stat s3://%s/%s: %w", s.bucket, key, err)
	}

	info := Info{
		Key:               key,
		Size:              aws.ToInt64(out.ContentLength),
		Metadata:          out.Metadata,
		ReplicationStatus: replicationStatus(out.ReplicationStatus),
	}
	if out.ObjectLockRetainUntilDate != nil {
		info.RetainUntil = out.ObjectLockRetainUntilDate.UTC()
	}
	return info, nil
}

// PresignGet returns a time-limited download URL.
func (s *S3) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning s3://%s/%s: %w", s.bucket, key, err)
	}
	return req.URL, nil
}

// replicationStatus maps the x-amz-replication-status header. An object with
// no header is in a bucket without a replication rule.
func replicationStatus(s types.ReplicationStatus) audit.ReplicationStatus {
	switch string(s) {
	case "":
		return audit.ReplicationNotConfigured
	case "COMPLETE", "COMPLETED", "REPLICA":
		return audit.ReplicationCompleted
	case "FAILED":
		return audit.ReplicationFailed
	default:
		return audit.ReplicationPending
	}
}
