package trace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vyvo/ci/backend/pkg/config"
)

const archivePrefix = "traces"

// MinioChunkStore archives persisted chunks as objects named traces/<build>/<index>.chunk.
type MinioChunkStore struct {
	client *minio.Client
	bucket string
}

// NewMinioClient builds a client for the configured S3-compatible endpoint.
func NewMinioClient(cfg config.ObjectStoreConfig) (*minio.Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("object store endpoint is required")
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: newTransport(),
	})
}

// NewMinioChunkStore creates the bucket when it does not exist yet.
func NewMinioChunkStore(ctx context.Context, client *minio.Client, bucket string) (*MinioChunkStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", bucket)
		}
	}
	return &MinioChunkStore{client: client, bucket: bucket}, nil
}

func objectName(buildID int64, index int) string {
	return fmt.Sprintf("%s/%d/%d.chunk", archivePrefix, buildID, index)
}

func buildPrefix(buildID int64) string {
	return fmt.Sprintf("%s/%d/", archivePrefix, buildID)
}

// parseObjectIndex extracts the chunk index from an object name.
func parseObjectIndex(name string) (int, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".chunk") {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(base, ".chunk"))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func (s *MinioChunkStore) Put(ctx context.Context, buildID int64, index int, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(buildID, index), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	return errors.Wrapf(err, "archive chunk %d/%d", buildID, index)
}

func (s *MinioChunkStore) Get(ctx context.Context, buildID int64, index int) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(buildID, index), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, buildID, index)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(err, buildID, index)
	}
	return data, nil
}

func (s *MinioChunkStore) List(ctx context.Context, buildID int64) ([]int, error) {
	var out []int
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: buildPrefix(buildID), Recursive: true}) {
		if info.Err != nil {
			return nil, errors.Wrapf(info.Err, "list archived chunks %d", buildID)
		}
		if idx, ok := parseObjectIndex(info.Key); ok {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *MinioChunkStore) Delete(ctx context.Context, buildID int64, index int) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName(buildID, index), minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "delete archived chunk %d/%d", buildID, index)
}

func (s *MinioChunkStore) mapError(err error, buildID int64, index int) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errors.Wrapf(ErrChunkNotFound, "build %d chunk %d", buildID, index)
	}
	return errors.Wrapf(err, "read archived chunk %d/%d", buildID, index)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

var _ ChunkStore = (*MinioChunkStore)(nil)
