// Package blob writes finalized transcript artifacts to object storage.
package blob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// BlobStore writes one object per finalized conversation.
type BlobStore interface {
	// WriteObject stores data under name with the given content type,
	// overwriting any existing object of that name.
	WriteObject(ctx context.Context, name, contentType string, data []byte) error
}

type gcsStore struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a BlobStore backed by the given bucket.
func NewGCS(client *storage.Client, bucket string) BlobStore {
	return &gcsStore{client: client, bucket: bucket}
}

func (s *gcsStore) WriteObject(ctx context.Context, name, contentType string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object %s: %w", name, err)
	}
	return nil
}
