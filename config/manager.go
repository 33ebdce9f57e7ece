package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Version is the agent software version stamped into every loaded
// configuration.
const Version = "0.1.0"

// Manager owns the agent configuration file. Components never share a
// mutable configuration object: they take immutable snapshots, and every
// change goes through a single update point that persists the file and swaps
// the snapshot atomically.
type Manager struct {
	path   string
	logger *log.Logger

	mu   sync.RWMutex
	cur  *AgentConfig
	subs []chan struct{}
}

// LoadManager loads the configuration file and prepares it for use. A device
// without a persisted identity is assigned a fresh one, which is written back
// immediately.
func LoadManager(path string, logger *log.Logger) (*Manager, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Version = Version

	m := &Manager{path: path, logger: logger, cur: cfg}

	if cfg.DeviceID == "" {
		logger.Println("No device identifier in config, generating one")
		if _, err := m.Update(func(c *AgentConfig) {
			c.DeviceID = uuid.NewString()
		}); err != nil {
			return nil, fmt.Errorf("failed to persist device identifier: %w", err)
		}
	}
	return m, nil
}

// Path returns the configuration file location.
func (m *Manager) Path() string {
	return m.path
}

// Snapshot returns an immutable copy of the current configuration.
func (m *Manager) Snapshot() *AgentConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.cur
	return &cp
}

// Subscribe returns a channel signalled after every successful configuration
// swap, however it arrived (local edit, remote document, explicit update).
// The signal carries no payload; receivers take a fresh Snapshot. Signals are
// coalesced: a receiver that has not drained yet sees at most one pending.
func (m *Manager) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// notifyLocked signals every subscriber. Callers hold m.mu.
func (m *Manager) notifyLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Update applies a mutation to a copy of the current configuration,
// validates it, persists it, and swaps it in. The previous snapshot stays
// valid for components still holding it.
func (m *Manager) Update(mutate func(*AgentConfig)) (*AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cur
	mutate(&next)
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("rejected config update: %w", err)
	}
	if err := saveFile(m.path, &next); err != nil {
		return nil, err
	}
	m.cur = &next
	m.notifyLocked()
	cp := next
	return &cp, nil
}

// Reload re-reads the configuration file, for use when the file was edited
// out-of-band. Identity and version survive a file that dropped them.
func (m *Manager) Reload() (*AgentConfig, error) {
	cfg, err := loadFile(m.path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.DeviceID == "" {
		cfg.DeviceID = m.cur.DeviceID
	}
	cfg.Version = Version
	m.cur = cfg
	m.notifyLocked()
	m.logger.Printf("Config reloaded from %s", m.path)
	cp := *cfg
	return &cp, nil
}

// ApplyDocument merges a configuration document received from the remote
// service into the current configuration and persists the result. The local
// device identity always wins over whatever the document carries.
func (m *Manager) ApplyDocument(doc map[string]any) (*AgentConfig, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote config document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cur
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("failed to apply remote config document: %w", err)
	}
	next.DeviceID = m.cur.DeviceID
	next.Version = Version
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("rejected remote config document: %w", err)
	}
	if err := saveFile(m.path, &next); err != nil {
		return nil, err
	}
	m.cur = &next
	m.notifyLocked()
	m.logger.Println("Applied remote config document")
	cp := next
	return &cp, nil
}
