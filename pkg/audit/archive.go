package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ObjectStore is the subset of an object store the archiver needs
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// Archiver moves rotated audit files into object storage. The active file
// is never touched. A file is removed locally only after its upload
// succeeded, so an interrupted run is repeated safely next time.
type Archiver struct {
	store  ObjectStore
	path   string
	prefix string
}

// NewArchiver archives files rotated from the audit log at path under prefix
func NewArchiver(store ObjectStore, path, prefix string) *Archiver {
	return &Archiver{store: store, path: path, prefix: prefix}
}

// Pending lists rotated files awaiting upload, oldest first
func (a *Archiver) Pending() ([]string, error) {
	ext := filepath.Ext(a.path)
	files, err := filepath.Glob(strings.TrimSuffix(a.path, ext) + "-*" + ext)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Run uploads every pending file and returns how many were archived
func (a *Archiver) Run(ctx context.Context) (int, error) {
	files, err := a.Pending()
	if err != nil {
		return 0, fmt.Errorf("failed to list rotated audit files: %w", err)
	}

	archived := 0
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.archive(ctx, f); err != nil {
			errs = append(errs, err)
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}

func (a *Archiver) archive(ctx context.Context, file string) error {
	key := a.prefix + filepath.Base(file)

	exists, err := a.store.ObjectExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", file, err)
		}
		err = a.store.PutObject(ctx, key, f, "application/x-ndjson")
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := os.Remove(file); err != nil {
		return fmt.Errorf("archived %s but could not remove it: %w", file, err)
	}
	return nil
}
