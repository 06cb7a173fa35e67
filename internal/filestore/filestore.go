package filestore

import (
	"io"
)

// Store holds uploaded file bytes, addressed by content hash. The routing
// engine never reads through this; only the HTTP upload/download surface
// does.
type Store interface {
	// Save persists the content under the given hash. Idempotent: saving
	// a hash that already exists is a no-op.
	Save(r io.Reader, hash string) error

	// Open returns a reader over the content for the given hash.
	Open(hash string) (io.ReadCloser, error)
}
