package assets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/logging"
)

type memObjects struct {
	objects map[string][]byte
	types   map[string]string
	failPut error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if m.failPut != nil {
		return m.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memObjects) URL(key string) string {
	return "https://cdn.example.com/" + key
}

var pngBytes = append([]byte("\x89PNG\x0D\x0A\x1A\x0A"), bytes.Repeat([]byte{0}, 32)...)

func upload(t *testing.T, svc *Service, contentType string, data []byte) (Asset, error) {
	t.Helper()
	return svc.Upload(context.Background(), "ws_1", contentType, bytes.NewReader(data), int64(len(data)))
}

func TestUploadStoresPNG(t *testing.T) {
	objects := newMemObjects()
	svc := NewService(objects, 0, logging.Discard())

	asset, err := upload(t, svc, "image/png", pngBytes)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(asset.Key, "workspaces/ws_1/design/"))
	assert.True(t, strings.HasSuffix(asset.Key, ".png"))
	assert.Equal(t, "https://cdn.example.com/"+asset.Key, asset.URL)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, pngBytes, objects.objects[asset.Key])
	assert.Equal(t, "image/png", objects.types[asset.Key])
}

func TestUploadAcceptsSVG(t *testing.T) {
	objects := newMemObjects()
	svc := NewService(objects, 0, logging.Discard())
	svg := []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg" width="4" height="4"></svg>`)

	asset, err := upload(t, svc, "image/svg+xml; charset=utf-8", svg)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(asset.Key, ".svg"))
	assert.Equal(t, "image/svg+xml", objects.types[asset.Key])
}

func TestUploadRejections(t *testing.T) {
	svc := NewService(newMemObjects(), 64, logging.Discard())

	tests := []struct {
		name        string
		contentType string
		data        []byte
		code        string
	}{
		{"empty", "image/png", nil, "EMPTY_FILE"},
		{"too large", "image/png", bytes.Repeat([]byte{1}, 65), "FILE_TOO_LARGE"},
		{"pdf", "application/pdf", []byte("%PDF-1.4"), "UNSUPPORTED_TYPE"},
		{"mislabelled", "image/png", []byte("GIF89a......"), "UNSUPPORTED_TYPE"},
		{"html as svg", "image/svg+xml", []byte("<html><body></body></html>"), "UNSUPPORTED_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := upload(t, svc, tt.contentType, tt.data)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			var appErr *apperr.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestUploadStoreFailureIsTransient(t *testing.T) {
	objects := newMemObjects()
	objects.failPut = errors.New("connection refused")
	svc := NewService(objects, 0, logging.Discard())

	_, err := upload(t, svc, "image/png", pngBytes)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
}

func TestDeleteIsScopedToWorkspace(t *testing.T) {
	objects := newMemObjects()
	svc := NewService(objects, 0, logging.Discard())
	asset, err := upload(t, svc, "image/png", pngBytes)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), "ws_2", asset.Key)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	err = svc.Delete(context.Background(), "ws_1", "workspaces/ws_1/design/../../ws_2/design/x.png")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, svc.Delete(context.Background(), "ws_1", asset.Key))
	assert.Empty(t, objects.objects)
}
