package filestore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/recorder"
)

// Local writes recordings to a directory, for deployments where the portal
// shares a volume with the service.
type Local struct {
	cfg config.LocalFileStore
}

func NewLocal(cfg config.LocalFileStore) *Local {
	if cfg.DirFileMode == "" {
		cfg.DirFileMode = "0700"
	}
	if cfg.FileMode == "" {
		cfg.FileMode = "0600"
	}
	return &Local{cfg: cfg}
}

func (l *Local) Upload(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	file, fileMode, err := recorder.ValidateAndPrepareFile(config.Recorder{
		SpoolDirectory: l.cfg.Directory,
		DirFileMode:    l.cfg.DirFileMode,
		FileMode:       l.cfg.FileMode,
	}, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(file, data, fileMode); err != nil {
		return "", fmt.Errorf("write %s: %w", file, err)
	}

	if l.cfg.BaseURL == "" {
		return "file://" + file, nil
	}
	return strings.TrimSuffix(l.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(name, "/"), nil
}
