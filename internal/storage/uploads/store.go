package uploads

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/storage/models"
)

// Store keeps uploaded documents on disk until their batch releases them.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
}

func NewStore(fs afero.Fs, dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{fs: fs, dir: dir, logger: logger}, nil
}

func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Save writes r under a collision-free name and returns the document handle.
// The original file name is kept for reporting.
func (s *Store) Save(name string, r io.Reader) (models.Document, error) {
	base := filepath.Base(name)
	path := filepath.Join(s.dir, uuid.NewString()+"_"+sanitize(base))

	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to create upload %s: %w", base, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		_ = s.fs.Remove(path)
		return models.Document{}, fmt.Errorf("failed to write upload %s: %w", base, err)
	}

	return models.Document{
		Name:     base,
		Path:     path,
		MIMEType: MIMEType(base),
		Size:     n,
	}, nil
}

func (s *Store) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

// Remove deletes an uploaded file. Missing files are not an error.
func (s *Store) Remove(path string) error {
	err := s.fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}
	s.logger.Debug("Upload removed", zap.String("path", path))
	return nil
}

func (s *Store) RemoveAll(docs []models.Document) {
	for _, doc := range docs {
		if err := s.Remove(doc.Path); err != nil {
			s.logger.Warn("Failed to remove upload", zap.String("path", doc.Path), zap.Error(err))
		}
	}
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func HasAllowedExtension(name string, allowed []string) bool {
	ext := Extension(name)
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

func MIMEType(name string) string {
	switch Extension(name) {
	case "pdf":
		return "application/pdf"
	case "txt":
		return "text/plain"
	case "html", "htm":
		return "text/html"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
