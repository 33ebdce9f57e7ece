// Package syncer keeps the agent configuration document synchronized with
// the remote service and sends the periodic heartbeat. It has no queue of
// its own: failures are logged and dropped, and the next interval tries
// again. All traffic goes through the shared single-flight dispatcher.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"logrelay/config"
	"logrelay/remote/dispatch"
	"logrelay/remote/types"
)

// Syncer owns config-sync and heartbeat traffic.
type Syncer struct {
	cfg    *config.Manager
	disp   *dispatch.Dispatcher
	logger *log.Logger

	configInterval time.Duration
	pingInterval   time.Duration
	changes        <-chan struct{}
}

// New creates a Syncer. Periods come from intervals.config_sync and
// intervals.ping and follow subsequent configuration swaps.
func New(cfg *config.Manager, d *dispatch.Dispatcher, logger *log.Logger) *Syncer {
	snapshot := cfg.Snapshot()

	configInterval, err := time.ParseDuration(snapshot.Intervals.ConfigSync)
	if err != nil || configInterval <= 0 {
		logger.Printf("Warning: invalid intervals.config_sync '%s', using default 5m", snapshot.Intervals.ConfigSync)
		configInterval = 5 * time.Minute
	}
	pingInterval, err := time.ParseDuration(snapshot.Intervals.Ping)
	if err != nil || pingInterval <= 0 {
		logger.Printf("Warning: invalid intervals.ping '%s', using default 60s", snapshot.Intervals.Ping)
		pingInterval = 60 * time.Second
	}

	return &Syncer{
		cfg:            cfg,
		disp:           d,
		logger:         logger,
		configInterval: configInterval,
		pingInterval:   pingInterval,
		changes:        cfg.Subscribe(),
	}
}

// Run drives the periodic config download and heartbeat until the context is
// cancelled.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Printf("Syncer started, config interval %s, ping interval %s", s.configInterval, s.pingInterval)
	configTicker := time.NewTicker(s.configInterval)
	defer configTicker.Stop()
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("Syncer stopped")
			return
		case <-configTicker.C:
			if err := s.DownloadAgentConfig(ctx); err != nil {
				s.logger.Printf("Error downloading agent config: %v", err)
			}
		case <-pingTicker.C:
			if err := s.Ping(ctx); err != nil {
				s.logger.Printf("Error executing ping: %v", err)
			}
		case <-s.changes:
			s.refreshIntervals(configTicker, pingTicker)
		}
	}
}

// refreshIntervals re-reads the schedule from the current snapshot and resets
// whichever tickers changed period. Unparseable values keep the running
// period.
func (s *Syncer) refreshIntervals(configTicker, pingTicker *time.Ticker) {
	snapshot := s.cfg.Snapshot()
	if d, err := time.ParseDuration(snapshot.Intervals.ConfigSync); err == nil && d > 0 && d != s.configInterval {
		s.logger.Printf("Config sync interval updated: %s -> %s", s.configInterval, d)
		s.configInterval = d
		configTicker.Reset(d)
	}
	if d, err := time.ParseDuration(snapshot.Intervals.Ping); err == nil && d > 0 && d != s.pingInterval {
		s.logger.Printf("Ping interval updated: %s -> %s", s.pingInterval, d)
		s.pingInterval = d
		pingTicker.Reset(d)
	}
}

// identityArgs builds the credential envelope shared by every operation.
func (s *Syncer) identityArgs() (map[string]any, *config.AgentConfig) {
	snapshot := s.cfg.Snapshot()
	return map[string]any{
		"deviceId":    snapshot.DeviceID,
		"deviceToken": snapshot.DeviceToken,
	}, snapshot
}

// UploadAgentConfig pushes the full agent configuration document.
func (s *Syncer) UploadAgentConfig(ctx context.Context) error {
	args, snapshot := s.identityArgs()
	doc, err := snapshot.Document()
	if err != nil {
		return err
	}
	args["data"] = doc

	if _, err := s.disp.Do(ctx, types.OpUpdateAgentConfig, args); err != nil {
		return fmt.Errorf("agent config upload failed: %w", err)
	}
	return nil
}

// DownloadAgentConfig pulls the remote configuration document and, when the
// response carries one, applies and persists it.
func (s *Syncer) DownloadAgentConfig(ctx context.Context) error {
	args, _ := s.identityArgs()
	resp, err := s.disp.Do(ctx, types.OpGetAgentConfig, args)
	if err != nil {
		return fmt.Errorf("agent config download failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	if _, err := s.cfg.ApplyDocument(resp.Data); err != nil {
		return err
	}
	return nil
}

// UploadMachineConfig reads the machine configuration file and pushes it
// verbatim. A missing or unparseable file is a diagnostic, not a crash.
func (s *Syncer) UploadMachineConfig(ctx context.Context) error {
	args, snapshot := s.identityArgs()
	if snapshot.MachineConfigPath == "" {
		return nil
	}

	raw, err := os.ReadFile(snapshot.MachineConfigPath)
	if err != nil {
		return fmt.Errorf("unable to read machine config file: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unable to parse machine config file: %w", err)
	}
	args["data"] = doc

	s.logger.Println("Uploading machine config")
	if _, err := s.disp.Do(ctx, types.OpUpdateMachineConfig, args); err != nil {
		return fmt.Errorf("machine config upload failed: %w", err)
	}
	return nil
}

// Ping sends the heartbeat. The response may carry a server clock reading
// (persisted as last_ping_time_millis) and, when write-through is enabled, a
// machine configuration document to put on disk.
func (s *Syncer) Ping(ctx context.Context) error {
	args, snapshot := s.identityArgs()
	args["data"] = map[string]any{
		"lastPingTimeMillis": snapshot.LastPingTimeMillis,
	}

	resp, err := s.disp.Do(ctx, types.OpPing, args)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	if snapshot.UpdateMachineConfig && len(resp.Data) > 0 {
		if err := s.writeMachineConfig(snapshot.MachineConfigPath, resp.Data); err != nil {
			s.logger.Printf("Error writing machine config file: %v", err)
		}
	}

	if millis, ok := pingMillis(resp.Data); ok {
		if _, err := s.cfg.Update(func(c *config.AgentConfig) {
			c.LastPingTimeMillis = millis
		}); err != nil {
			s.logger.Printf("Error persisting ping time: %v", err)
		}
	}
	return nil
}

// pingMillis extracts currentTimeDTMillis from a ping response document.
func pingMillis(data map[string]any) (int64, bool) {
	v, ok := data["currentTimeDTMillis"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (s *Syncer) writeMachineConfig(path string, doc map[string]any) error {
	if path == "" {
		return fmt.Errorf("machine_config_path not configured")
	}
	data, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	s.logger.Printf("Machine config file saved: %s", path)
	return nil
}
