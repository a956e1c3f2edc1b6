// Package assets stores design images (logos, backgrounds) in an
// S3-compatible bucket and hands back their public URLs.
package assets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/util"
)

const DefaultMaxSize = 5 << 20

// allowedTypes maps accepted content types to the extension used in keys.
var allowedTypes = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// ObjectStore is the bucket the service writes to.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	URL(key string) string
}

type Asset struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type Service struct {
	store   ObjectStore
	maxSize int64
	logger  *slog.Logger
}

func NewService(store ObjectStore, maxSize int64, logger *slog.Logger) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{store: store, maxSize: maxSize, logger: logging.Or(logger, "assets")}
}

func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Upload validates and stores one image for workspaceID. The declared
// content type must agree with the bytes.
func (s *Service) Upload(ctx context.Context, workspaceID, declaredType string, body io.Reader, size int64) (Asset, error) {
	if size == 0 {
		return Asset{}, apperr.Validation("EMPTY_FILE", "The file is empty")
	}
	if size > s.maxSize {
		return Asset{}, apperr.Validation("FILE_TOO_LARGE", fmt.Sprintf("Images must be at most %d MB", s.maxSize>>20)).
			WithDetails(map[string]any{"maxBytes": s.maxSize})
	}

	contentType := normalizeType(declaredType)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return Asset{}, unsupported(declaredType)
	}

	reader := bufio.NewReaderSize(body, 512)
	head, err := reader.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return Asset{}, apperr.Validation("UNREADABLE_FILE", "The file could not be read")
	}
	if !sniffMatches(contentType, head) {
		return Asset{}, unsupported(declaredType)
	}

	key := path.Join("workspaces", workspaceID, "design", util.NewID("")+ext)
	if err := s.store.Put(ctx, key, reader, size, contentType); err != nil {
		s.logger.Error("asset upload failed", "workspace_id", workspaceID, "key", key, "error", err)
		return Asset{}, apperr.Transient("ASSET_STORE_UNAVAILABLE", "Image storage is temporarily unavailable", err)
	}
	s.logger.Info("asset uploaded", "workspace_id", workspaceID, "key", key, "size", size)
	return Asset{Key: key, URL: s.store.URL(key), ContentType: contentType, Size: size}, nil
}

// Delete removes an asset previously uploaded for workspaceID.
func (s *Service) Delete(ctx context.Context, workspaceID, key string) error {
	prefix := path.Join("workspaces", workspaceID, "design") + "/"
	if workspaceID == "" || !strings.HasPrefix(path.Clean(key), prefix) {
		return apperr.NotFound("ASSET_NOT_FOUND", "Image not found")
	}
	if err := s.store.Remove(ctx, key); err != nil {
		return apperr.Transient("ASSET_STORE_UNAVAILABLE", "Image storage is temporarily unavailable", err)
	}
	return nil
}

func normalizeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "image/jpg" {
		return "image/jpeg"
	}
	return contentType
}

// sniffMatches checks the leading bytes against the declared type. SVG is
// text, so it is recognised by its root element instead.
func sniffMatches(contentType string, head []byte) bool {
	if contentType == "image/svg+xml" {
		lower := bytes.ToLower(head)
		return bytes.Contains(lower, []byte("<svg"))
	}
	return normalizeType(http.DetectContentType(head)) == contentType
}

func unsupported(declared string) error {
	return apperr.Validation("UNSUPPORTED_TYPE", "Only PNG, JPEG, GIF, WebP and SVG images are allowed").
		WithDetails(map[string]any{"contentType": declared})
}
