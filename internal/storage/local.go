// internal/storage/local.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore keeps blobs as files in one directory (the "uploads" folder).
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put writes data to a temp file, fsyncs it and publishes it with a hard
// link. Link fails when the name exists, which makes the write exclusive.
func (s *LocalStore) Put(ctx context.Context, ref string, data []byte, _ string) (string, error) {
	if !validRef(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := filepath.Join(s.dir, ref)
	if _, err := os.Stat(final); err == nil {
		return ref, ErrBlobExists
	}

	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}

	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ref, ErrBlobExists
		}
		return "", fmt.Errorf("publish blob: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Open(_ context.Context, ref string) (*Blob, error) {
	if !validRef(ref) {
		return nil, ErrBlobNotFound
	}

	f, err := os.Open(filepath.Join(s.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat blob: %w", err)
	}

	return &Blob{
		Body:        f,
		ContentType: contentTypeOf(ref, f),
		Size:        st.Size(),
	}, nil
}

func contentTypeOf(ref string, f *os.File) string {
	if ct := mime.TypeByExtension(filepath.Ext(ref)); ct != "" {
		return ct
	}
	head := make([]byte, 512)
	n, _ := f.ReadAt(head, 0)
	return http.DetectContentType(head[:n])
}
