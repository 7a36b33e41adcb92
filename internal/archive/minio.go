// Package archive keeps every raw corpus import document in object storage
// so a bad batch can be re-run or rolled back from the original payload.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects and ensures the bucket exists. The bucket check
// runs once here; later writes assume it stays available.
func NewMinioArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", bucket, err)
		}
		log.Printf("archive: created bucket %s", bucket)
	}
	return &MinioArchive{client: client, bucket: bucket}, nil
}

// ArchiveImport stores one raw import document under a timestamped key.
// Documents are never overwritten; every upload gets its own object.
func (a *MinioArchive) ArchiveImport(ctx context.Context, name string, raw []byte) error {
	key := fmt.Sprintf("imports/%s/%s", time.Now().UTC().Format("2006-01-02T15-04-05Z"), name)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// ListImports returns the stored import object keys, newest last.
func (a *MinioArchive) ListImports(ctx context.Context) ([]string, error) {
	var keys []string
	for object := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    "imports/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("archive: list imports: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}
