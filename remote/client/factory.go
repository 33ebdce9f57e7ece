package remote

import (
	"fmt"
	"log"

	"logrelay/config"
	"logrelay/remote/client/httpapi"
)

// BackendType represents the type of remote client backend.
type BackendType string

const (
	HTTPAPI BackendType = "httpapi"
	// Future backends can be added here, e.g. a message-queue transport
	// for fleets behind a broker.
)

// NewClient creates a remote client based on the configuration.
func NewClient(cfg *config.RemoteConfig, logger *log.Logger) (Client, error) {
	switch BackendType(cfg.Backend) {
	case HTTPAPI, "":
		// Default to the HTTP backend if not specified.
		return httpapi.NewClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", cfg.Backend)
	}
}
