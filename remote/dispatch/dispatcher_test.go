package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logrelay/internal/netcheck"
	remote "logrelay/remote/client"
	"logrelay/remote/types"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// countingClient observes concurrent in-flight calls.
type countingClient struct {
	latency  time.Duration
	inflight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
}

func (c *countingClient) Call(ctx context.Context, op string, args map[string]any) (*types.Response, error) {
	cur := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		observed := c.max.Load()
		if cur <= observed || c.max.CompareAndSwap(observed, cur) {
			break
		}
	}
	c.calls.Add(1)
	select {
	case <-time.After(c.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &types.Response{Status: types.StatusSuccess}, nil
}

func (c *countingClient) Close() error { return nil }

func TestSingleFlight(t *testing.T) {
	client := &countingClient{latency: 20 * time.Millisecond}
	d := New(client, netcheck.Static(true), time.Second, 32, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Do(context.Background(), types.OpPing, nil)
			require.NoError(t, err)
			require.True(t, resp.OK())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), client.calls.Load())
	assert.Equal(t, int32(1), client.max.Load(), "more than one request was in flight")
}

func TestBusyWhenQueueFull(t *testing.T) {
	client := &countingClient{latency: 100 * time.Millisecond}
	d := New(client, netcheck.Static(true), time.Second, 1, testLogger())

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = d.Do(context.Background(), types.OpPing, nil)
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the first call occupy the slot

	_, err := d.Do(context.Background(), types.OpPing, nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestOfflineClassification(t *testing.T) {
	client := remote.NewMockClient(testLogger())
	client.Script(nil, errors.New("connection refused"))
	d := New(client, netcheck.Static(false), time.Second, 4, testLogger())

	_, err := d.Do(context.Background(), types.OpUploadLogEntities, nil)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestOnlineTransportFailureIsFinal(t *testing.T) {
	client := remote.NewMockClient(testLogger())
	client.Script(nil, errors.New("HTTP 500"))
	d := New(client, netcheck.Static(true), time.Second, 4, testLogger())

	_, err := d.Do(context.Background(), types.OpUploadLogEntities, nil)

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.OpUploadLogEntities, appErr.Op)
	assert.Nil(t, appErr.Response)
}

func TestApplicationFailureIndicator(t *testing.T) {
	client := remote.NewMockClient(testLogger())
	client.Script(&types.Response{Status: "Error", Response: "bad credentials"}, nil)
	d := New(client, netcheck.Static(true), time.Second, 4, testLogger())

	resp, err := d.Do(context.Background(), types.OpGetAgentConfig, nil)

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.NotNil(t, appErr.Response)
	assert.Equal(t, "Error", appErr.Response.Status)
	assert.Same(t, resp, appErr.Response)
}

func TestTimeoutRoutedThroughProbe(t *testing.T) {
	client := remote.NewMockClient(testLogger())
	client.SetLatency(200 * time.Millisecond)
	d := New(client, netcheck.Static(false), 20*time.Millisecond, 4, testLogger())

	start := time.Now()
	_, err := d.Do(context.Background(), types.OpPing, nil)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestSetTimeoutAppliesToSubsequentCalls(t *testing.T) {
	client := remote.NewMockClient(testLogger())
	client.SetLatency(500 * time.Millisecond)
	d := New(client, netcheck.Static(false), 5*time.Second, 4, testLogger())

	d.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := d.Do(context.Background(), types.OpPing, nil)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "updated deadline must bound the call")

	// A non-positive value is rejected and keeps the running deadline.
	d.SetTimeout(0)
	start = time.Now()
	_, err = d.Do(context.Background(), types.OpPing, nil)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestWaiterHonorsContext(t *testing.T) {
	client := &countingClient{latency: 200 * time.Millisecond}
	d := New(client, netcheck.Static(true), time.Second, 4, testLogger())

	go func() { _, _ = d.Do(context.Background(), types.OpPing, nil) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Do(ctx, types.OpPing, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
