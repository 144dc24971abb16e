// Package artifact moves saved index artifacts between the local disk and a
// shared registry. A registry is any FileStore; the index, label and manifest
// files travel together as one gzip-compressed tar archive.
package artifact

import (
	"context"
	"io"
)

// FileStore is the registry backend. Paths are forward-slash separated and
// relative to the store root. Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named object. A missing object yields an error wrapping
	// os.ErrNotExist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or truncates the named object. The data is only published
	// once the returned writer is closed without error.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named object; deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}
