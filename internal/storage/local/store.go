// Package local archives fetch results on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/fetchengine/internal/digest"
	"github.com/JakeFAU/fetchengine/internal/fetch"
)

// Config captures the parameters for the local result archive.
type Config struct {
	// BaseDir is the root directory where results will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes results as JSON files laid out as <host>/<url digest>.json.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PathFor returns where the result for rawURL is stored.
func (s *Store) PathFor(rawURL string) (string, error) {
	full := filepath.Join(s.baseDir, hostDir(rawURL), digest.URLKey(rawURL)+".json")
	if !strings.HasPrefix(filepath.Clean(full), s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected for %q", rawURL)
	}
	return full, nil
}

// Save writes res and returns its file:// URI.
func (s *Store) Save(ctx context.Context, res *fetch.Result) (string, error) {
	if res == nil {
		return "", errors.New("result is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath, err := s.PathFor(res.URL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return "file://" + fullPath, nil
}

// SaveAll writes every result and reports how many were stored. Failures do
// not stop the remaining writes.
func (s *Store) SaveAll(ctx context.Context, results map[string]*fetch.Result) (int, error) {
	saved := 0
	var errs []error
	for _, res := range results {
		if _, err := s.Save(ctx, res); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

func hostDir(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "_invalid"
	}
	return strings.ToLower(u.Hostname())
}
