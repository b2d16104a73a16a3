// Package archive keeps every saved comment snapshot as an object in an
// S3-compatible bucket, one object per save.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"chronicle/comments/internal/persist"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const keyTimeLayout = "20060102T150405.000000000Z"

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("archived snapshot not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Entry describes one archived snapshot.
type Entry struct {
	Key     string    `json:"key"`
	SavedAt time.Time `json:"savedAt"`
	Size    int64     `json:"size"`
}

type Archive struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and creates the bucket if it is missing.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	a := &Archive{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	log.Printf("archive: created bucket %s", a.bucket)
	return nil
}

// Put writes the encoded snapshot and returns its object key.
func (a *Archive) Put(ctx context.Context, snapshot persist.Snapshot) (string, error) {
	payload, err := persist.Encode(snapshot)
	if err != nil {
		return "", err
	}
	key := ObjectKey(snapshot.DocumentID, snapshot.SavedAt)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Get reads and verifies an archived snapshot.
func (a *Archive) Get(ctx context.Context, key string) (persist.Snapshot, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return persist.Snapshot{}, ErrNotFound
		}
		return persist.Snapshot{}, fmt.Errorf("read %s: %w", key, err)
	}
	return persist.Decode(payload)
}

// List returns a document's archived snapshots, newest first.
func (a *Archive) List(ctx context.Context, documentID string) ([]Entry, error) {
	entries := make([]Entry, 0)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    documentID + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", documentID, obj.Err)
		}
		_, savedAt, ok := ParseKey(obj.Key)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: obj.Key, SavedAt: savedAt, Size: obj.Size})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SavedAt.After(entries[j].SavedAt)
	})
	return entries, nil
}

// ObjectKey is "<document>/<savedAt UTC>.json".
func ObjectKey(documentID string, savedAt time.Time) string {
	return documentID + "/" + savedAt.UTC().Format(keyTimeLayout) + ".json"
}

// ParseKey splits an object key built by ObjectKey.
func ParseKey(key string) (string, time.Time, bool) {
	slash := strings.LastIndex(key, "/")
	if slash <= 0 || !strings.HasSuffix(key, ".json") {
		return "", time.Time{}, false
	}
	savedAt, err := time.Parse(keyTimeLayout, strings.TrimSuffix(key[slash+1:], ".json"))
	if err != nil {
		return "", time.Time{}, false
	}
	return key[:slash], savedAt, true
}
