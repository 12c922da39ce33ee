// Package minio provides the staging object store: a minio-go backed client for
// MinIO/S3 endpoints and an on-disk store with the same contract for local runs and tests.
package minio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ChecksumMetadataKey is the user metadata key carrying the artifact sha256.
const ChecksumMetadataKey = "Ucl-Checksum-Sha256"

// ObjectInfo is what a store reports about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	Checksum     string
	LastModified time.Time
}

// ObjectStore abstracts the object operations needed for staging.
type ObjectStore interface {
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, checksum string) error
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Exists reports whether key is present in bucket.
func Exists(ctx context.Context, store ObjectStore, bucket, key string) (bool, error) {
	_, err := store.StatObject(ctx, bucket, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// JoinKey joins key segments with '/' and strips a leading slash.
func JoinKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// LocalStore persists objects on disk to mimic MinIO behaviour.
// Its StatObject recomputes the sha256 from the stored bytes.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new local object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ucl-sync-store")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return WrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	return os.MkdirAll(s.bucketPath(bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, checksum string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}

	fullPath := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return WrapError(CodePermissionDenied, false, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return WrapError(CodeStagingWriteFailed, true, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return WrapError(CodeStagingWriteFailed, true, err)
	}
	if err := tmp.Close(); err != nil {
		return WrapError(CodeStagingWriteFailed, true, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return WrapError(CodeStagingWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	f, err := os.Open(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, WrapError(CodeObjectNotFound, false, err)
		}
		return ObjectInfo{}, WrapError(CodeStagingReadFailed, true, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ObjectInfo{}, WrapError(CodeStagingReadFailed, true, err)
	}
	st, err := f.Stat()
	if err != nil {
		return ObjectInfo{}, WrapError(CodeStagingReadFailed, true, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         n,
		Checksum:     hex.EncodeToString(h.Sum(nil)),
		LastModified: st.ModTime(),
	}, nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WrapError(CodeObjectNotFound, false, err)
		}
		return nil, WrapError(CodeStagingReadFailed, true, err)
	}
	return f, nil
}

func (s *LocalStore) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return WrapError(CodeStagingWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, WrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	root := filepath.Join(s.bucketPath(bucket), filepath.FromSlash(prefix))

	var keys []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, relErr := filepath.Rel(s.bucketPath(bucket), p)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, WrapError(CodeStagingReadFailed, true, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) bucketPath(bucket string) string {
	return filepath.Join(s.root, sanitizePath(bucket))
}

func (s *LocalStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), filepath.FromSlash(key))
}
