package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xraph/jobboard"
)

var _ Store = (*MinioStore)(nil)

// MinioStore keeps bundles in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinioOption configures a MinioStore.
type MinioOption func(*MinioStore)

// WithPrefix places every bundle under prefix ("bundles/" for example).
func WithPrefix(prefix string) MinioOption {
	return func(s *MinioStore) { s.prefix = strings.TrimPrefix(prefix, "/") }
}

// DialMinio returns a client for endpoint using static credentials.
func DialMinio(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("jobboard/bundle: minio client: %w", err)
	}
	return client, nil
}

// NewMinioStore returns a store over bucket.
func NewMinioStore(client *minio.Client, bucket string, opts ...MinioOption) *MinioStore {
	s := &MinioStore{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("jobboard/bundle: bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("jobboard/bundle: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) object(name string) string {
	return path.Join(s.prefix, path.Base(name))
}

// Put uploads the bundle. Object uploads are atomic on S3.
func (s *MinioStore) Put(ctx context.Context, itemID, version string, data []byte) (Object, error) {
	key := s.object(Key(itemID, version))
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return Object{}, fmt.Errorf("jobboard/bundle: put %s: %w", key, err)
	}
	return Describe(Key(itemID, version), s.URI(key), data), nil
}

// URI returns the s3:// URI of a bundle.
func (s *MinioStore) URI(name string) string {
	return "s3://" + s.bucket + "/" + s.object(name)
}

// Get downloads the bundle of itemID@version.
func (s *MinioStore) Get(ctx context.Context, itemID, version string) ([]byte, error) {
	return s.Open(ctx, Key(itemID, version))
}

// Open downloads a bundle by its List name.
func (s *MinioStore) Open(ctx context.Context, name string) ([]byte, error) {
	key := s.object(name)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	defer obj.Close() //nolint:errcheck // reader

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	return data, nil
}

// Delete removes the bundle. RemoveObject succeeds on missing keys, so
// existence is checked first.
func (s *MinioStore) Delete(ctx context.Context, itemID, version string) error {
	key := s.object(Key(itemID, version))
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.wrap("stat", key, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("remove", key, err)
	}
	return nil
}

// List returns the bundle names under the prefix.
func (s *MinioStore) List(ctx context.Context) ([]string, error) {
	opts := minio.ListObjectsOptions{Prefix: s.prefix}
	if s.prefix != "" && !strings.HasSuffix(s.prefix, "/") {
		opts.Prefix += "/"
	}

	var names []string
	for info := range s.client.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return nil, fmt.Errorf("jobboard/bundle: list %s: %w", s.bucket, info.Err)
		}
		name := path.Base(info.Key)
		if ok, _ := doublestar.Match(Pattern, name); ok { //nolint:errcheck // constant pattern
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MinioStore) wrap(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("jobboard/bundle: %s: %w", key, jobboard.ErrBundleNotFound)
	}
	return fmt.Errorf("jobboard/bundle: %s %s: %w", op, key, err)
}
