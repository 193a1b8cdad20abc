package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestLookupPath(t *testing.T) {
	var root interface{}
	err := yaml.Unmarshal([]byte(`
session:
  recordingRole: clinician
webrtc:
  iceServers:
    - urls: [stun:stun.l.google.com:19302]
`), &root)
	assert.NoError(t, err)

	v, ok := lookupPath(root, []string{"session", "recordingRole"})
	assert.True(t, ok)
	assert.Equal(t, "clinician", v)

	v, ok = lookupPath(root, []string{"webrtc", "iceServers", "0", "urls", "0"})
	assert.True(t, ok)
	assert.Equal(t, "stun:stun.l.google.com:19302", v)

	_, ok = lookupPath(root, []string{"webrtc", "iceServers", "3"})
	assert.False(t, ok)

	_, ok = lookupPath(root, []string{"session", "recordingRole", "x"})
	assert.False(t, ok)

	_, ok = lookupPath(root, []string{"missing"})
	assert.False(t, ok)
}
