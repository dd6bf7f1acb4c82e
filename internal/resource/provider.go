// Package resource resolves named packaged resources (the signing module,
// its auxiliary library, the certificate blob, the virtual filesystem root)
// to local paths.
package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrResourceNotFound is returned when a named resource does not exist.
var ErrResourceNotFound = errors.New("resource not found")

// Provider resolves resource names to local files or directories.
type Provider interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// DirProvider serves resources from a local directory.
type DirProvider struct {
	root string
}

// NewDirProvider creates a provider rooted at root.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{root: root}
}

// Fetch implements Provider.
func (p *DirProvider) Fetch(ctx context.Context, name string) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(p.root, rel)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrResourceNotFound, name)
		}
		return "", fmt.Errorf("failed to stat resource %s: %w", name, err)
	}
	return path, nil
}

// cleanName rejects names that would escape the provider root.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrResourceNotFound)
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid resource name %q", name)
	}
	return rel, nil
}

// ReadFile fetches name and returns its content.
func ReadFile(ctx context.Context, p Provider, name string) ([]byte, error) {
	path, err := p.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", name, err)
	}
	return data, nil
}
