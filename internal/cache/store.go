package cache

import (
	"context"
	"time"
)

// Blob is an encoded payload kept by a Store.
type Blob struct {
	Data      []byte    `json:"data"`
	MediaType string    `json:"mediaType,omitempty"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store keeps downloaded bytes so repeated loads of one URL skip the network.
type Store interface {
	Lookup(ctx context.Context, key string) (Blob, bool, error)
	Save(ctx context.Context, key string, blob Blob) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
