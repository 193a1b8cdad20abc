package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetDefaults(t *testing.T) {
	cfg := (&Config{App: App{Name: "bbb-consult-session"}}).GetDefaults()

	assert.Equal(t, 10*time.Second, cfg.Session.DisconnectGracePeriod)
	assert.Equal(t, "clinician", cfg.Session.RecordingRole)
	assert.Equal(t, "to-bbb-consult-session", cfg.PubSub.Channels.Subscribe)
	assert.Equal(t, "from-bbb-consult-session", cfg.PubSub.Channels.Publish)
	assert.Equal(t, "redis", cfg.Signaling.Adapter)
	assert.True(t, cfg.Signaling.ServeHub)
	assert.Contains(t, cfg.FileStore.Adapters, "minio")
	assert.Less(t, cfg.Recorder.InsetWidth, cfg.Recorder.Width)
	assert.Less(t, cfg.Recorder.InsetHeight, cfg.Recorder.Height)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "BBB_CONSULT_SESSION_", EnvPrefix("bbb-consult-session"))
	assert.Equal(t, "MY_APP_", EnvPrefix("my app"))
}
