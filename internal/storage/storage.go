// Package storage provides the small key-value capability the node uses to
// persist its peer directory and SAF bookkeeping across restarts.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KeyValueStore is a flat byte-keyed store. Implementations are safe for
// concurrent use.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ForEach calls fn for every key with the given prefix, in key order.
	// Returning an error from fn stops the iteration and is returned.
	ForEach(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}
