package compressor

import (
	"context"
	"errors"
)

// ErrUnsupportedFormat is returned by Load when the file is not an image the
// encoder can handle, including corrupt files.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Loader acquires a recompression capability for a file on disk.
type Loader interface {
	// Load inspects and decodes the file at path. It returns an error
	// wrapping ErrUnsupportedFormat when the file cannot be recompressed.
	Load(ctx context.Context, path string) (Encoder, error)
}

// Encoder rewrites one loaded file in place.
type Encoder interface {
	// Rewrite re-encodes the image at quality (0-100) and replaces the
	// original file. On error the original file is left untouched.
	Rewrite(ctx context.Context, quality int) error
}

// MetadataCopier carries metadata from the original file onto the rewritten
// temporary file before it replaces the original.
type MetadataCopier interface {
	Copy(src, dst string) error
}
