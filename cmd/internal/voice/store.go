// Package voice stores recorded and synthesized audio as content-addressed files
// served under a public URL prefix.
package voice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Defaults.
const (
	DefaultURLPrefix = "/uploads/"
	DefaultMaxBytes  = 10 << 20
)

// Errors.
var (
	ErrTooLarge    = errors.New("voice: asset too large")
	ErrEmpty       = errors.New("voice: empty asset")
	ErrInvalidName = errors.New("voice: invalid asset name")
)

// Asset is a stored audio file.
type Asset struct {
	Name string
	URL  string
	Size int64
}

// Store persists audio assets.
type Store interface {
	Save(ctx context.Context, r io.Reader, ext string) (Asset, error)
	Open(name string) (*os.File, error)
}

// FileStore writes assets to a local directory. Names are the blake2b-256 of
// the content, so saving the same bytes twice yields the same asset.
type FileStore struct {
	dir       string
	urlPrefix string
	maxBytes  int64
}

// FileStoreOption configures FileStore.
type FileStoreOption func(*FileStore)

// WithURLPrefix sets the public URL prefix (default "/uploads/").
func WithURLPrefix(p string) FileStoreOption {
	return func(s *FileStore) {
		if p = strings.TrimSpace(p); p != "" {
			if !strings.HasSuffix(p, "/") {
				p += "/"
			}
			s.urlPrefix = p
		}
	}
}

// WithMaxBytes caps the accepted asset size.
func WithMaxBytes(n int64) FileStoreOption {
	return func(s *FileStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("voice: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("voice: create dir: %w", err)
	}
	s := &FileStore{dir: dir, urlPrefix: DefaultURLPrefix, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// URLPrefix returns the public URL prefix, always slash-terminated.
func (s *FileStore) URLPrefix() string { return s.urlPrefix }

// Save streams r into the store. ext is the file extension, with or without the dot.
func (s *FileStore) Save(ctx context.Context, r io.Reader, ext string) (Asset, error) {
	ext, err := cleanExt(ext)
	if err != nil {
		return Asset{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Asset{}, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Asset{}, err
	}
	if n == 0 {
		return Asset{}, ErrEmpty
	}
	if n > s.maxBytes {
		return Asset{}, ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}

	name := hex.EncodeToString(h.Sum(nil)) + ext
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return Asset{}, err
	}
	return Asset{Name: name, URL: s.urlPrefix + name, Size: n}, nil
}

// Open opens a stored asset by name.
func (s *FileStore) Open(name string) (*os.File, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	return os.Open(filepath.Join(s.dir, name))
}

// NameFromURL extracts the asset name from a URL produced by this store.
func (s *FileStore) NameFromURL(url string) (string, bool) {
	name, ok := strings.CutPrefix(url, s.urlPrefix)
	if !ok || !validName(name) {
		return "", false
	}
	return name, true
}

func cleanExt(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return "", nil
	}
	if len(ext) > 8 {
		return "", ErrInvalidName
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", ErrInvalidName
		}
	}
	return "." + ext, nil
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || filepath.Base(name) != name {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

var _ Store = (*FileStore)(nil)
