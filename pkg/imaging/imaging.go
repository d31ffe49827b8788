// pkg/imaging/imaging.go
package imaging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrBadDataURL      = errors.New("malformed data URL")
)

// DefaultAllowed are the image types accepted when none are configured.
var DefaultAllowed = []string{"image/jpeg", "image/png", "image/webp"}

// DetectContentType sniffs the first 512 bytes.
func DetectContentType(data []byte) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	ct := http.DetectContentType(head)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return ct
}

// ResolveMediaType picks the declared type when it is specific, otherwise
// the sniffed one, and checks it against allowed. An empty allowed list
// accepts everything.
func ResolveMediaType(data []byte, declared string, allowed []string) (string, error) {
	mediaType := normalize(declared)
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = DetectContentType(data)
	}

	if len(allowed) == 0 {
		return mediaType, nil
	}
	for _, a := range allowed {
		if strings.EqualFold(a, mediaType) {
			return mediaType, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
}

// ExtensionFor keeps the original file extension when there is one and
// falls back to the media type.
func ExtensionFor(filename, mediaType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && len(ext) <= 6 && isAlnum(ext[1:]) {
		return ext
	}
	switch normalize(mediaType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// DecodeDataURL parses "data:image/png;base64,...." into bytes and type.
func DecodeDataURL(s string) ([]byte, string, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, "", ErrBadDataURL
	}
	header, encoded, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return nil, "", ErrBadDataURL
	}

	mediaType, params, isBase64 := header, "", false
	if i := strings.Index(header, ";"); i >= 0 {
		mediaType, params = header[:i], header[i+1:]
	}
	for _, p := range strings.Split(params, ";") {
		if p == "base64" {
			isBase64 = true
		}
	}
	if !isBase64 {
		return nil, "", fmt.Errorf("%w: only base64 payloads are supported", ErrBadDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return data, normalize(mediaType), nil
}

func normalize(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return ct
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
