// Package storage persists receipt images on local disk or in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"receiptly/internal/config"
	"receiptly/internal/uuid"
)

// ErrNotExist is returned by Get when no object is stored under the key.
var ErrNotExist = errors.New("storage: object does not exist")

// KeyPrefix is the top-level folder for receipt images.
const KeyPrefix = "receipts"

// ImageStore is the storage collaborator used by uploads, deletes and the
// ingestion job.
type ImageStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. A missing object is not an error.
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Config selects and configures an ImageStore.
type Config struct {
	Driver    string // "local" or "s3"
	Root      string
	PublicURL string

	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ConfigFrom maps the application configuration onto a store Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Driver:          cfg.StorageDriver,
		Root:            cfg.StorageRoot,
		PublicURL:       cfg.StoragePublicURL,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}
}

// New builds the store named by cfg.Driver.
func New(ctx context.Context, cfg Config) (ImageStore, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.Root, cfg.PublicURL)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// NewKey returns a fresh object key for an image owned by userID. ext should
// include the leading dot.
func NewKey(userID, ext string) string {
	return path.Join(KeyPrefix, userID, uuid.New()+strings.ToLower(ext))
}

// validKey rejects keys that could escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
