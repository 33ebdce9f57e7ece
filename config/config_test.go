package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `device_token: secret
data_dir: ./data
remote:
  base_url: https://api.example.com
  app_id: app-1
intervals:
  upload: 30s
  config_sync: 5m
  ping: 45s
dispatch:
  request_timeout: 10s
  queue_depth: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestLoadGeneratesDeviceIdentity(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	id := m.Snapshot().DeviceID
	require.NotEmpty(t, id)

	// The generated identity is persisted: a second load sees the same
	// one.
	m2, err := LoadManager(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, id, m2.Snapshot().DeviceID)
}

func TestLoadRejectsMissingRemote(t *testing.T) {
	path := writeConfig(t, "data_dir: ./data\n")
	_, err := LoadManager(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestSnapshotIsImmutable(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	snapshot := m.Snapshot()
	snapshot.DeviceToken = "scribbled"

	assert.Equal(t, "secret", m.Snapshot().DeviceToken)
}

func TestUpdatePersistsAndSwaps(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	before := m.Snapshot()
	updated, err := m.Update(func(c *AgentConfig) {
		c.LastPingTimeMillis = 42
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), updated.LastPingTimeMillis)
	assert.Equal(t, int64(0), before.LastPingTimeMillis, "older snapshots stay valid")

	reloaded, err := LoadManager(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(42), reloaded.Snapshot().LastPingTimeMillis)
}

func TestDocumentRoundTrip(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	doc, err := m.Snapshot().Document()
	require.NoError(t, err)
	assert.Equal(t, m.Snapshot().DeviceID, doc["device_id"])
	assert.Equal(t, "secret", doc["device_token"])

	// Applying our own document back is a no-op for identity fields.
	applied, err := m.ApplyDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, m.Snapshot().DeviceID, applied.DeviceID)
	assert.Equal(t, "secret", applied.DeviceToken)
}

func TestApplyDocumentKeepsLocalIdentity(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)
	localID := m.Snapshot().DeviceID

	applied, err := m.ApplyDocument(map[string]any{
		"device_id":    "remote-id",
		"device_token": "rotated",
	})
	require.NoError(t, err)
	assert.Equal(t, localID, applied.DeviceID)
	assert.Equal(t, "rotated", applied.DeviceToken)
}

func TestApplyDocumentRejectsInvalid(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	_, err = m.ApplyDocument(map[string]any{
		"remote": map[string]any{"base_url": "", "app_id": ""},
	})
	require.Error(t, err)

	// The bad document must not have been persisted or applied.
	assert.Equal(t, "https://api.example.com", m.Snapshot().Remote.BaseURL)
	reloaded, err := LoadManager(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", reloaded.Snapshot().Remote.BaseURL)
}

func TestSubscribeSignalsEverySwap(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	m, err := LoadManager(path, testLogger())
	require.NoError(t, err)

	ch := m.Subscribe()
	select {
	case <-ch:
		t.Fatal("no swap happened yet")
	default:
	}

	_, err = m.Update(func(c *AgentConfig) { c.LastPingTimeMillis = 1 })
	require.NoError(t, err)
	select {
	case <-ch:
	default:
		t.Fatal("update must signal subscribers")
	}

	_, err = m.ApplyDocument(map[string]any{"device_token": "rotated"})
	require.NoError(t, err)
	select {
	case <-ch:
	default:
		t.Fatal("applied document must signal subscribers")
	}

	// A rejected document swaps nothing and signals nothing.
	_, err = m.ApplyDocument(map[string]any{
		"remote": map[string]any{"base_url": "", "app_id": ""},
	})
	require.Error(t, err)
	select {
	case <-ch:
		t.Fatal("rejected document must not signal")
	default:
	}
}

func TestDispatchDefaults(t *testing.T) {
	cfg := DispatchConfig{}
	cfg.SetDefaults()
	assert.Equal(t, "15s", cfg.RequestTimeout)
	assert.Equal(t, 16, cfg.QueueDepth)
	assert.Equal(t, "google.com", cfg.ProbeHost)
}
