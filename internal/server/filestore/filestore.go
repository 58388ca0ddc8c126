// Package filestore abstracts the host platform's file storage. The
// coordinator resolves the file to share and checks the caller's access;
// everything else about storage belongs to the host.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/dkrasnov/signflow/internal/common"
)

// File is a host-managed file resolved for sharing.
type File struct {
	ID       string
	Name     string
	MimeType string
	Data     []byte
}

// Store resolves host files by id.
type Store interface {
	// Get returns the file, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*File, error)
	// CanReadWrite reports whether uid may both read and update the file.
	CanReadWrite(ctx context.Context, uid, id string) (bool, error)
}

// Local serves files from a directory on disk, with the file id as the
// relative path. It stands in for the host storage in development setups.
type Local struct {
	root string
}

// NewLocal ensures the root directory exists and returns a store over it.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o770); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Get(_ context.Context, id string) (*File, error) {
	path := filepath.Join(l.root, filepath.Clean("/"+id))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFileAccess, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &File{ID: id, Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}

func (l *Local) CanReadWrite(_ context.Context, _, id string) (bool, error) {
	path := filepath.Join(l.root, filepath.Clean("/"+id))
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, common.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrFileAccess, err)
	}
	return info.Mode().Perm()&0o200 != 0, nil
}
