// Package storage writes and serves media bytes. Blobs are write-once: a key
// that already holds bytes is never overwritten.
package storage

import (
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrBlobExists   = errors.New("blob already exists")
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidRef   = errors.New("invalid blob reference")
)

// Blob is an open stored object. The caller closes Body.
type Blob struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// BlobName derives the stored filename from the media id and an extension
// such as ".jpg".
func BlobName(id, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return id + strings.ToLower(ext)
}

// validRef rejects anything that could escape the store's namespace.
func validRef(ref string) bool {
	if ref == "" || ref == "." || ref == ".." {
		return false
	}
	if strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return false
	}
	return path.Base(ref) == ref
}
