// Package delivery owns the sweep: scanning the record store for undelivered
// rows, shipping them upstream in one batch, and translating the per-entity
// response breakdown back into status transitions.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"logrelay/config"
	"logrelay/remote/dispatch"
	"logrelay/remote/types"
	"logrelay/storage/store"
)

// Controller runs periodic sweeps and accepts kicks after ingestion.
type Controller struct {
	cfg      *config.Manager
	store    store.Store
	disp     *dispatch.Dispatcher
	logger   *log.Logger
	interval time.Duration

	kick    chan struct{}
	changes <-chan struct{}
	sweepMu sync.Mutex
}

// New creates a Controller. The sweep period comes from intervals.upload and
// follows subsequent configuration swaps.
func New(cfg *config.Manager, s store.Store, d *dispatch.Dispatcher, logger *log.Logger) *Controller {
	snapshot := cfg.Snapshot()
	interval, err := time.ParseDuration(snapshot.Intervals.Upload)
	if err != nil || interval <= 0 {
		logger.Printf("Warning: invalid intervals.upload '%s', using default 60s", snapshot.Intervals.Upload)
		interval = 60 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		store:    s,
		disp:     d,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
		changes:  cfg.Subscribe(),
	}
}

// Notify requests a sweep soon, typically after new records were ingested.
// It never blocks; a pending kick already covers the caller.
func (c *Controller) Notify() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drives sweeps until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Printf("Delivery controller started, sweep interval %s", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Println("Delivery controller stopped")
			return
		case <-ticker.C:
			c.sweep(ctx)
		case <-c.kick:
			c.sweep(ctx)
		case <-c.changes:
			if next := c.sweepInterval(); next != c.interval {
				c.logger.Printf("Sweep interval updated: %s -> %s", c.interval, next)
				c.interval = next
				ticker.Reset(next)
			}
		}
	}
}

// sweepInterval re-reads intervals.upload from the current snapshot. An
// unparseable value keeps the running period.
func (c *Controller) sweepInterval() time.Duration {
	raw := c.cfg.Snapshot().Intervals.Upload
	interval, err := time.ParseDuration(raw)
	if err != nil || interval <= 0 {
		c.logger.Printf("Warning: invalid intervals.upload '%s', keeping %s", raw, c.interval)
		return c.interval
	}
	return interval
}

// Sweep runs one delivery pass immediately. Overlapping calls are dropped:
// the running sweep already covers every row that was eligible when it
// scanned.
func (c *Controller) Sweep(ctx context.Context) error {
	return c.sweep(ctx)
}

func (c *Controller) sweep(ctx context.Context) error {
	if !c.sweepMu.TryLock() {
		return nil
	}
	defer c.sweepMu.Unlock()

	start := time.Now()

	records, err := c.store.ScanPending(ctx)
	if err != nil {
		c.logger.Printf("Sweep aborted: scan failed: %v", err)
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Claim every eligible row before the network call so a concurrent
	// trigger cannot resubmit them.
	entities := make([]types.Entity, 0, len(records))
	for _, record := range records {
		if err := c.store.SetStatus(ctx, record.Fingerprint, store.StatusPending); err != nil {
			c.logger.Printf("Sweep: failed to claim record %s: %v", record.Fingerprint, err)
			continue
		}
		entities = append(entities, types.Entity{
			TransactionID: record.Fingerprint,
			Data:          json.RawMessage(record.Payload),
		})
	}
	if len(entities) == 0 {
		return nil
	}

	snapshot := c.cfg.Snapshot()
	args := map[string]any{
		"deviceId":    snapshot.DeviceID,
		"deviceToken": snapshot.DeviceToken,
		"entities":    entities,
	}

	resp, err := c.disp.Do(ctx, types.OpUploadLogEntities, args)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrOffline):
			// Retryable without a restart: do not leave rows Pending.
			c.logger.Printf("Sweep: upload deferred, network offline (%d records)", len(entities))
		case errors.Is(err, dispatch.ErrBusy):
			c.logger.Printf("Sweep: dispatcher busy, will retry %d records next sweep", len(entities))
		default:
			c.logger.Printf("Sweep: upload failed: %v", err)
		}
		c.release(ctx, entities)
		return err
	}

	if len(resp.Entities) == 0 {
		// The service answered without the per-entity breakdown. Do not
		// silently accept: keep the rows retryable and flag the anomaly.
		c.logger.Printf("Sweep: invalid upload response (no entities), keeping %d records retryable", len(entities))
		c.release(ctx, entities)
		return fmt.Errorf("delivery: upload response missing entity breakdown")
	}

	acked := make(map[string]string, len(resp.Entities))
	for _, e := range resp.Entities {
		acked[e.TransactionID] = e.Status
	}

	var delivered, rejected, missing int
	for _, entity := range entities {
		status, found := acked[entity.TransactionID]
		switch {
		case !found:
			missing++
			c.setStatus(ctx, entity.TransactionID, store.StatusFailed)
		case status == types.StatusFail:
			rejected++
			c.logger.Printf("Record %s rejected by service, no retry", entity.TransactionID)
			c.setStatus(ctx, entity.TransactionID, store.StatusRejected)
		default:
			delivered++
			c.setStatus(ctx, entity.TransactionID, store.StatusDelivered)
		}
	}

	c.logger.Printf("Sweep: size=%d, delivered=%d, rejected=%d, missing=%d, total=%v",
		len(entities), delivered, rejected, missing, time.Since(start))
	return nil
}

// release reverts claimed rows to Failed so the next sweep retries them.
// The revert must land even when the sweep's context was cancelled, or a
// shutdown mid-sweep would strand rows in Pending until startup recovery.
func (c *Controller) release(ctx context.Context, entities []types.Entity) {
	ctx = context.WithoutCancel(ctx)
	for _, entity := range entities {
		c.setStatus(ctx, entity.TransactionID, store.StatusFailed)
	}
}

func (c *Controller) setStatus(ctx context.Context, fingerprint string, status store.Status) {
	if err := c.store.SetStatus(ctx, fingerprint, status); err != nil {
		c.logger.Printf("CRITICAL: failed to set record %s to %s: %v", fingerprint, status, err)
	}
}
