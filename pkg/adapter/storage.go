package adapter

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// Archive keeps raw JSON documents such as frozen interview transcripts
type Archive interface {
	// Save writes v as JSON under key
	Save(ctx context.Context, key string, v any) error
}

// storageArchive implements Archive interface using Cloud Storage
type storageArchive struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewStorageArchive creates a Cloud Storage backed archive. Objects are
// written below prefix (may be empty).
func NewStorageArchive(ctx context.Context, bucketName, prefix string) (Archive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageArchive{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *storageArchive) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

func (s *storageArchive) Save(ctx context.Context, key string, v any) error {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/json"

	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to encode archive object", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to write archive object",
			goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	return nil
}
