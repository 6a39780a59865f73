package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 54*time.Second, cfg.Server.PingPeriod)
	assert.Equal(t, 3*time.Second, cfg.Mesh.OfferGrace)
	assert.Equal(t, 3, cfg.Mesh.MaxOfferRequests)
	assert.Equal(t, 50, cfg.Mesh.CandidateQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Mesh.ResyncInterval)
	assert.Equal(t, "ws://localhost:8080/api/ws/store", cfg.Peer.RelayURL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("VOICEMESH_PEER_USER", "alice")
	t.Setenv("VOICEMESH_PEER_HOST", "true")
	t.Setenv("VOICEMESH_PEER_PORT_MIN", "50000")
	t.Setenv("VOICEMESH_PEER_PORT_MAX", "50100")
	t.Setenv("VOICEMESH_SERVER_SECRET", "s3cret")

	yaml := `
server:
  port: 9000
mesh:
  offer_grace: 500ms
ice_servers:
  - urls: ["stun:stun.example.org:3478"]
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Mesh.OfferGrace)
	assert.Equal(t, "alice", cfg.Peer.User)
	assert.True(t, cfg.Peer.Host)
	assert.Equal(t, uint16(50000), cfg.Peer.PortMin)
	assert.Equal(t, uint16(50100), cfg.Peer.PortMax)
	assert.Equal(t, "s3cret", cfg.Server.Secret)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, cfg.ICEServers[1].URLs)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
}

func TestLoadRejectsBadQueueSize(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("VOICEMESH_MESH_CANDIDATE_QUEUE_SIZE", "0")

	_, err := Load()
	assert.Error(t, err)
}
