package remote

import (
	"context"
	"log"
	"sync"
	"time"

	"logrelay/remote/types"
)

// MockCall records one invocation observed by a MockClient.
type MockCall struct {
	Op   string
	Args map[string]any
}

type mockResult struct {
	resp *types.Response
	err  error
}

// MockClient is a scripted Client for tests and offline development.
// Responses queued with Script are served in order; once the script is
// exhausted every call succeeds with a bare Success response.
type MockClient struct {
	logger *log.Logger

	mu      sync.Mutex
	calls   []MockCall
	script  []mockResult
	latency time.Duration
}

// NewMockClient creates an empty MockClient.
func NewMockClient(logger *log.Logger) *MockClient {
	return &MockClient{logger: logger}
}

// Script queues the outcome for the next un-scripted call.
func (m *MockClient) Script(resp *types.Response, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockResult{resp: resp, err: err})
}

// SetLatency makes every call take at least d, for exercising in-flight
// overlap.
func (m *MockClient) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns every invocation seen so far, in order.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Call serves the next scripted outcome.
func (m *MockClient) Call(ctx context.Context, op string, args map[string]any) (*types.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Op: op, Args: args})
	latency := m.latency
	var next *mockResult
	if len(m.script) > 0 {
		next = &m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if next != nil {
		return next.resp, next.err
	}
	return &types.Response{Status: types.StatusSuccess}, nil
}

// Close is a no-op.
func (m *MockClient) Close() error {
	m.logger.Println("[MockClient] Closing...")
	return nil
}

var _ Client = (*MockClient)(nil)
