// Package storage persists pipeline artifacts (page snapshots) and
// returns addressable URIs.
package storage

import "context"

// Store writes raw artifacts and returns a URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
