package dicom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// ErrBlobNotFound means no blob is stored under the key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps instance files. Keys are flat names such as
// "<sop_instance_uid>.dcm".
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// FileStore stores blobs as files under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(err, "create blob directory %q", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return errs.Wrap(err, "create temp blob")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(err, "close blob")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return errs.Wrap(err, "publish blob")
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, errs.Wrap(err, "read blob")
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Wrap(err, "delete blob")
	}
	return nil
}

// GCSStore stores blobs as objects in a Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore returns a GCSStore writing to bucket under an optional prefix.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix}
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + key)
}

// Put creates the object. An existing object under the key is left untouched
// and reported as an error.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	w := s.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/dicom"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errs.Wrapf(err, "write object %s", key)
	}
	if err := w.Close(); err != nil {
		return errs.Wrapf(err, "finalize object %s", key)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	rc, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, errs.Wrapf(err, "open object %s", key)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrapf(err, "read object %s", key)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errs.Wrapf(err, "delete object %s", key)
	}
	return nil
}
