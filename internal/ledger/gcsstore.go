package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore persists receipts as Google Cloud Storage objects keyed by
// CID, mirroring the teacher's gcs_store.go. It is part of every build;
// cmd/odin-gateway selects it when the storage backend is "gcs".
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(cid string) string { return s.prefix + cid + ".bin" }

func (s *GCSStore) PutBytes(ctx context.Context, cid string, data []byte) error {
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
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(cid))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close: %w", err)
	}
	return nil
}

func (s *GCSStore) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(cid))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get %s: %w", cid, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var cids []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		cid := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, s.prefix), ".bin")
		cids = append(cids, cid)
		if limit > 0 && len(cids) >= limit {
			break
		}
	}
	return cids, nil
}

func (s *GCSStore) Delete(ctx context.Context, cid string) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(cid))
	err := obj.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", cid, err)
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }
