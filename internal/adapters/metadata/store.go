// Package metadata stores per-work-item metadata documents as YAML files and resolves
// rule variables against them.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hylla/changeflow/internal/app"
)

// documentExt is appended to the work item id to build a document file name.
const documentExt = ".yaml"

// document is the on-disk shape of one metadata file.
type document struct {
	Fields map[string]string `yaml:"fields"`
}

// Store reads and writes metadata documents under one directory.
type Store struct {
	dir string
}

// NewStore constructs a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// Dir returns the directory documents are stored in.
func (s *Store) Dir() string {
	return s.dir
}

// ReadDocument returns every top-level field of a work item's document.
// A missing or unparsable document is reported as app.ErrDocumentUnreadable.
func (s *Store) ReadDocument(ctx context.Context, workItemID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.documentPath(workItemID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", app.ErrDocumentUnreadable, path, err)
	}
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", app.ErrDocumentUnreadable, path, err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]string{}
	}
	return doc.Fields, nil
}

// MetadataField returns one top-level field; ok is false when the document lacks it
// or does not exist. Unparsable documents still fail.
func (s *Store) MetadataField(ctx context.Context, workItemID, field string) (string, bool, error) {
	fields, err := s.ReadDocument(ctx, workItemID)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, ok := fields[field]
	return value, ok, nil
}

// WriteDocument replaces a work item's document with fields.
func (s *Store) WriteDocument(ctx context.Context, workItemID string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.documentPath(workItemID)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	content, err := yaml.Marshal(document{Fields: fields})
	if err != nil {
		return fmt.Errorf("encode metadata document: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".doc-*")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write metadata document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace metadata document: %w", err)
	}
	return nil
}

func (s *Store) documentPath(workItemID string) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("%w: metadata dir is not configured", app.ErrDocumentUnreadable)
	}
	id := strings.TrimSpace(workItemID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", errors.Join(app.ErrDocumentUnreadable, fmt.Errorf("invalid work item id %q", workItemID))
	}
	return filepath.Join(s.dir, id+documentExt), nil
}
