// Package netcheck classifies already-failed requests: a DNS resolution of a
// well-known host distinguishes "the network is down" from "the request
// failed for another reason". It never gates whether to attempt a request in
// the first place.
package netcheck

import (
	"context"
	"log"
	"net"
	"sync"
	"time"
)

// Probe reports whether external connectivity is present.
type Probe interface {
	Online(ctx context.Context) bool
}

// Resolver probes connectivity by resolving a stable hostname.
type Resolver struct {
	mu       sync.Mutex
	host     string
	timeout  time.Duration
	resolver *net.Resolver
	logger   *log.Logger
}

// NewResolver creates a Resolver probing host. An empty host defaults to
// google.com, a non-positive timeout to 5s.
func NewResolver(host string, timeout time.Duration, logger *log.Logger) *Resolver {
	if host == "" {
		host = "google.com"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		host:     host,
		timeout:  timeout,
		resolver: &net.Resolver{},
		logger:   logger,
	}
}

// SetHost changes the probed hostname for subsequent probes. An empty host
// is ignored.
func (r *Resolver) SetHost(host string) {
	if host == "" {
		return
	}
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
}

// Online resolves the probe host within the probe timeout.
func (r *Resolver) Online(ctx context.Context) bool {
	r.mu.Lock()
	host := r.host
	r.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.resolver.LookupHost(probeCtx, host); err != nil {
		r.logger.Printf("Connectivity probe failed for %s: %v", host, err)
		return false
	}
	return true
}

// Static is a fixed-answer Probe, for tests and for deployments where the
// probe is deliberately disabled.
type Static bool

func (s Static) Online(context.Context) bool { return bool(s) }

var (
	_ Probe = (*Resolver)(nil)
	_ Probe = Static(false)
)
