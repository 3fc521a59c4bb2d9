// Package inventory enumerates stored images and maps between item ids and
// file paths. Item ids are slash-separated paths relative to the library root.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an id or path does not name a file inside the
// library.
var ErrNotFound = errors.New("inventory: item not found")

// MarkerChecker reports whether an item was already optimized.
type MarkerChecker interface {
	IsOptimized(ctx context.Context, itemID string) (bool, error)
}

// Inventory is the catalogue of stored images.
type Inventory interface {
	// ListCandidates returns, in a stable order, the ids of stored items of
	// one of mediaTypes that exclude does not report as optimized.
	ListCandidates(ctx context.Context, mediaTypes []string, exclude MarkerChecker) ([]string, error)
	ResolvePath(ctx context.Context, itemID string) (string, error)
	IdentifyPath(ctx context.Context, filePath string) (string, error)
}

// Filesystem is an Inventory over a directory tree.
type Filesystem struct {
	root string
	log  logrus.FieldLogger
}

// NewFilesystem returns an inventory rooted at root.
func NewFilesystem(root string, log logrus.FieldLogger) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat library root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", abs)
	}
	return &Filesystem{root: abs, log: log}, nil
}

// Root returns the absolute library root.
func (f *Filesystem) Root() string {
	return f.root
}

// ListCandidates walks the tree in lexical order. Hidden files and
// directories are skipped; files are typed by content, not extension.
func (f *Filesystem) ListCandidates(ctx context.Context, mediaTypes []string, exclude MarkerChecker) ([]string, error) {
	var ids []string

	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			f.log.WithField("path", p).Warnf("walk error: %v", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if p != f.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		mt, err := mimetype.DetectFile(p)
		if err != nil {
			f.log.WithField("path", p).Debugf("cannot detect type: %v", err)
			return nil
		}
		if !matches(mt, mediaTypes) {
			return nil
		}

		id, err := f.idFor(p)
		if err != nil {
			return nil
		}
		if exclude != nil {
			done, err := exclude.IsOptimized(ctx, id)
			if err != nil {
				return fmt.Errorf("check marker for %s: %w", id, err)
			}
			if done {
				return nil
			}
		}

		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	return ids, nil
}

// ResolvePath returns the absolute path of an existing regular file.
func (f *Filesystem) ResolvePath(ctx context.Context, itemID string) (string, error) {
	if itemID == "" || path.IsAbs(itemID) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, itemID)
	}
	clean := path.Clean(itemID)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the library", ErrNotFound, itemID)
	}

	p := filepath.Join(f.root, filepath.FromSlash(clean))
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, itemID, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrNotFound, itemID)
	}
	return p, nil
}

// IdentifyPath returns the id of a file under the root.
func (f *Filesystem) IdentifyPath(ctx context.Context, filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, filePath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, filePath, err)
	}
	return f.idFor(abs)
}

func (f *Filesystem) idFor(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, abs, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrNotFound, abs, f.root)
	}
	return filepath.ToSlash(rel), nil
}

func matches(mt *mimetype.MIME, mediaTypes []string) bool {
	for _, want := range mediaTypes {
		if mt.Is(want) {
			return true
		}
	}
	return false
}
