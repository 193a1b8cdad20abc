package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	fs := NewLocal(config.LocalFileStore{Directory: dir, BaseURL: "https://files.example.org/rec/"})

	url, err := fs.Upload(context.Background(), "ses_1/room_1.mkv", []byte("data"), "video/x-matroska")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.org/rec/ses_1/room_1.mkv", url)

	data, err := os.ReadFile(filepath.Join(dir, "ses_1", "room_1.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	_, err = fs.Upload(context.Background(), "ses_1/room_1.mkv", []byte("again"), "video/x-matroska")
	assert.Error(t, err)
}

func TestLocalUploadFileURL(t *testing.T) {
	dir := t.TempDir()
	fs := NewLocal(config.LocalFileStore{Directory: dir})

	url, err := fs.Upload(context.Background(), "a.mkv", []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "a.mkv"), url)
}

func TestLocalUploadMissingDirectory(t *testing.T) {
	fs := NewLocal(config.LocalFileStore{Directory: filepath.Join(t.TempDir(), "missing")})
	_, err := fs.Upload(context.Background(), "a.mkv", []byte("x"), "")
	assert.Error(t, err)
}

func TestLocalUploadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal(config.LocalFileStore{Directory: t.TempDir()}).Upload(ctx, "a.mkv", nil, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	fs, err := New(config.FileStore{
		Adapter: "local",
		Adapters: map[string]interface{}{
			"local": map[string]interface{}{"directory": "/tmp", "base_url": "http://x"},
		},
	})
	require.NoError(t, err)
	local, ok := fs.(*Local)
	require.True(t, ok)
	assert.Equal(t, "/tmp", local.cfg.Directory)
	assert.Equal(t, "0600", local.cfg.FileMode)

	fs, err = New(config.FileStore{
		Adapter: "minio",
		Adapters: map[string]interface{}{
			"minio": &config.Minio{Endpoint: "127.0.0.1:9000", Bucket: "rec", Prefix: "/consult/"},
		},
	})
	require.NoError(t, err)
	m, ok := fs.(*Minio)
	require.True(t, ok)
	assert.Equal(t, "consult/ses_1.mkv", m.objectName("ses_1.mkv"))

	_, err = New(config.FileStore{Adapter: "ftp"})
	assert.Error(t, err)
}
