package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinioStore implements Store for MinIO and other S3-compatible servers.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(client *minio.Client) *MinioStore {
	return &MinioStore{client: client}
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	bucket, object, err := splitKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	bucket, object, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// GetObject is lazy; a missing key surfaces on first read.
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (Info, error) {
	bucket, object, err := splitKey(key)
	if err != nil {
		return Info{}, err
	}
	info, err := s.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return Info{Key: key, Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	bucket, object, err := splitKey(key)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, objPrefix, _ := strings.Cut(strings.TrimPrefix(prefix, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("invalid list prefix %q: bucket required", prefix)
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    objPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, bucket+"/"+obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func isMinioNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
