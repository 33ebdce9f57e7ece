// Package dispatch serializes all outbound traffic to the remote service.
// Exactly one request is in flight process-wide at any instant, across
// delivery, config-sync and heartbeat traffic alike; additional submissions
// wait in a bounded FIFO or are refused with ErrBusy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"logrelay/internal/netcheck"
	remote "logrelay/remote/client"
	"logrelay/remote/types"
)

var (
	// ErrBusy is returned when the bounded waiter queue is full. Callers
	// are periodic loops; dropping to the next tick loses nothing.
	ErrBusy = errors.New("dispatch: waiter queue full")

	// ErrOffline is returned when a transport failure was classified as a
	// connectivity outage. The attempt must not advance record status
	// beyond retryable; the owning component's next sweep tries again.
	ErrOffline = errors.New("dispatch: network offline")
)

// AppError is a final, non-offline failure: either the transport failed
// while connectivity was confirmed present, or the service answered with an
// application-level failure indicator. Response is non-nil in the latter
// case.
type AppError struct {
	Op       string
	Response *types.Response
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dispatch: %s rejected by service (status=%q response=%q)",
		e.Op, e.Response.Status, e.Response.Response)
}

func (e *AppError) Unwrap() error { return e.Err }

// Dispatcher owns the in-flight token and the failure classification policy.
type Dispatcher struct {
	client  remote.Client
	probe   netcheck.Probe
	logger  *log.Logger
	timeout atomic.Int64 // per-request deadline, nanoseconds

	inflight chan struct{} // capacity 1: the single-flight token
	waiters  chan struct{} // bounded reservation slots
}

// New creates a Dispatcher. timeout bounds each request (a call that neither
// succeeds nor fails within it is a transport failure); queueDepth bounds how
// many submissions may wait behind the in-flight one.
func New(client remote.Client, probe netcheck.Probe, timeout time.Duration, queueDepth int, logger *log.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	d := &Dispatcher{
		client:   client,
		probe:    probe,
		logger:   logger,
		inflight: make(chan struct{}, 1),
		waiters:  make(chan struct{}, queueDepth),
	}
	d.timeout.Store(int64(timeout))
	return d
}

// SetTimeout changes the per-request deadline for subsequent calls. A
// non-positive value is ignored. In-flight requests keep the deadline they
// started with.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.timeout.Store(int64(timeout))
}

// Do executes one named operation through the single-flight gate and
// classifies the outcome:
//
//   - nil error: transport and application both succeeded.
//   - *AppError: final failure with connectivity present; no retry is
//     scheduled here, the caller decides.
//   - ErrOffline: transport failed and the probe confirmed the network is
//     down; the caller's next periodic pass retries.
//   - ErrBusy: the waiter queue was full and the submission was refused.
func (d *Dispatcher) Do(ctx context.Context, op string, args map[string]any) (*types.Response, error) {
	select {
	case d.waiters <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-d.waiters }()

	select {
	case d.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.inflight }()

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(d.timeout.Load()))
	defer cancel()

	resp, err := d.client.Call(callCtx, op, args)
	if err != nil {
		// Optimistic policy: the request was already attempted, the
		// probe only classifies its failure.
		if d.probe.Online(ctx) {
			d.logger.Printf("Request %s failed with connectivity present: %v", op, err)
			return nil, &AppError{Op: op, Err: err}
		}
		d.logger.Printf("Request %s failed: network is down", op)
		return nil, ErrOffline
	}

	if !resp.OK() {
		return resp, &AppError{Op: op, Response: resp}
	}
	return resp, nil
}
