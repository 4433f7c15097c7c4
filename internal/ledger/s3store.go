package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Store persists receipts as S3 objects keyed by CID, mirroring the
// teacher's S3Store idempotent-PutObject-via-HeadObject pattern.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig configures an S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack
	Prefix   string
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(cid string) string { return s.prefix + cid + ".bin" }

func (s *S3Store) PutBytes(ctx context.Context, cid string, data []byte) error {
	existing, err := s.GetBytes(ctx, cid)
	if err == nil {
		if checksum(existing) != checksum(data) {
			return ErrConflictingWrite
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(cid)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

func (s *S3Store) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", cid, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list: %w", err)
	}
	var cids []string
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		cid := key[len(s.prefix) : len(key)-len(".bin")]
		cids = append(cids, cid)
		if limit > 0 && len(cids) >= limit {
			break
		}
	}
	return cids, nil
}

func (s *S3Store) Delete(ctx context.Context, cid string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(cid)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", cid, err)
	}
	return nil
}
