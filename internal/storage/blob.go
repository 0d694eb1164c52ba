package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore is the write-once blob boundary consumed by the MIME parser.
// Put persists the payload and returns an addressable URL for the
// attachment record.
type BlobStore interface {
	Put(filename string, data []byte) (string, error)
}

// FilesystemStore writes blobs under a base directory. Stored names are
// prefixed with a random token so colliding client filenames cannot
// overwrite each other.
type FilesystemStore struct {
	basePath  string
	urlPrefix string
}

// NewFilesystemStore creates the base directory if needed.
func NewFilesystemStore(basePath string, opts ...FilesystemOption) (*FilesystemStore, error) {
	if basePath == "" {
		basePath = "attachments"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	s := &FilesystemStore{basePath: basePath, urlPrefix: "/attachments/"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// FilesystemOption customizes a FilesystemStore.
type FilesystemOption func(*FilesystemStore)

// WithURLPrefix changes the public prefix prepended to stored names.
func WithURLPrefix(prefix string) FilesystemOption {
	return func(s *FilesystemStore) {
		if prefix != "" {
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			s.urlPrefix = prefix
		}
	}
}

// Put writes the blob and returns its URL path.
func (s *FilesystemStore) Put(filename string, data []byte) (string, error) {
	stored := StoredName(filename)
	path := filepath.Join(s.basePath, stored)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write attachment %s: %w", stored, err)
	}
	return s.urlPrefix + stored, nil
}

// StoredName builds a collision-proof name: a random hex token followed
// by the sanitized client filename.
func StoredName(filename string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token + "_" + sanitizeFilename(filename)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "attachment.bin"
	}
	// Path separators and NULs never survive into stored names.
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	return name
}
