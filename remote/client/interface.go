package remote

import (
	"context"

	"logrelay/remote/types"
)

// Client defines the generic interface for the remote device service.
// This interface is transport-agnostic and can be implemented by different
// backends.
type Client interface {
	// Call executes a named operation with a structured argument map and
	// returns the decoded response. A non-nil error means the call never
	// produced a decodable response (connection failure, timeout, bad
	// gateway); application-level outcome lives in the Response.
	Call(ctx context.Context, op string, args map[string]any) (*types.Response, error)

	// Close releases the client's resources.
	Close() error
}
