package sources

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"rulebrief/internal/schema"
)

// DirStore reads documents from a directory tree.
type DirStore struct {
	dir     string
	maxSize int64
	logger  *slog.Logger
}

// NewDirStore creates a store over dir. Files larger than maxSize bytes are
// skipped; zero means no limit.
func NewDirStore(dir string, maxSize int64, logger *slog.Logger) *DirStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirStore{dir: dir, maxSize: maxSize, logger: logger}
}

// List reads every supported file under the directory. Unreadable or
// oversized files are logged and skipped.
func (s *DirStore) List(ctx context.Context) ([]schema.RawSourceDocument, error) {
	if _, err := os.Stat(s.dir); err != nil {
		return nil, fmt.Errorf("source directory %s: %w", s.dir, err)
	}

	var objects []object
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !supported(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("skipping source file", "path", p, "error", err)
			return nil
		}
		if s.maxSize > 0 && info.Size() > s.maxSize {
			s.logger.Warn("skipping oversized source file", "path", p, "size", info.Size())
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			s.logger.Warn("skipping source file", "path", p, "error", err)
			return nil
		}

		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			rel = p
		}
		objects = append(objects, object{
			name:    filepath.ToSlash(rel),
			data:    data,
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", s.dir, err)
	}

	docs, err := documents(objects)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("loaded source documents", "dir", s.dir, "files", len(objects), "documents", len(docs))
	return docs, nil
}
