// Package storage keeps chat attachments on the local filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge   = errors.New("attachment too large")
	ErrBadRef     = errors.New("invalid attachment reference")
	ErrNotFound   = errors.New("attachment not found")
	unsafeNameRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// LocalStorage implements core.AttachmentStore. References look like
// "<uuid>/<sanitized file name>".
type LocalStorage struct {
	basePath string
	maxSize  int64
}

type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
	MaxSize  int64  `mapstructure:"max_size"`
}

func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &LocalStorage{basePath: absPath, maxSize: cfg.MaxSize}, nil
}

// SanitizeName keeps a display-safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeNameRun.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

func (s *LocalStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	ref := uuid.NewString() + "/" + SanitizeName(name)
	path, err := s.fullPath(ref)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
			os.Remove(dir)
		}
	}()

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(tmpFile, src)
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return "", ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return ref, nil
}

func (s *LocalStorage) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := s.fullPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// fullPath accepts only references produced by Save.
func (s *LocalStorage) fullPath(ref string) (string, error) {
	id, name, ok := strings.Cut(ref, "/")
	if !ok || name == "" || strings.ContainsAny(name, `/\`) || name != SanitizeName(name) {
		return "", ErrBadRef
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrBadRef
	}
	return filepath.Join(s.basePath, id, name), nil
}
