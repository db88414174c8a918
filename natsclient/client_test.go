package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_JoinsServerPool(t *testing.T) {
	client, err := NewClient([]string{"nats://a:4222", "nats://b:4222"})
	require.NoError(t, err)

	assert.Equal(t, "nats://a:4222,nats://b:4222", client.URL())
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient([]string{"nats://localhost:4222", "  "})
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient([]string{"nats://invalid:4222"})
	require.NoError(t, err)

	// Four failures should not open the circuit.
	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	// Fifth failure crosses the default threshold.
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	// Backoff caps at the configured maximum.
	for i := 0; i < 20; i++ {
		for j := 0; j < 5; j++ {
			client.recordFailure()
		}
	}
	assert.LessOrEqual(t, client.Backoff(), time.Minute)
}

func TestCircuitBreaker_HalfOpenAllowsNextAttempt(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.halfOpenCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())

	// Half-opening an already recovered circuit is a no-op.
	client.setStatus(StatusConnected)
	client.halfOpenCircuit()
	assert.Equal(t, StatusConnected, client.Status())
}

func TestConnect_CircuitOpenFailsFast(t *testing.T) {
	client, err := NewClient([]string{"nats://invalid:4222"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		initialStatus  ConnectionStatus
		action         func(*Client)
		expectedStatus ConnectionStatus
	}{
		{
			name:          "disconnected to connecting",
			initialStatus: StatusDisconnected,
			action: func(c *Client) {
				c.setStatus(StatusConnecting)
			},
			expectedStatus: StatusConnecting,
		},
		{
			name:          "connecting to connected",
			initialStatus: StatusConnecting,
			action: func(c *Client) {
				c.setStatus(StatusConnected)
			},
			expectedStatus: StatusConnected,
		},
		{
			name:          "connected to reconnecting",
			initialStatus: StatusConnected,
			action: func(c *Client) {
				c.setStatus(StatusReconnecting)
			},
			expectedStatus: StatusReconnecting,
		},
		{
			name:          "any to circuit open",
			initialStatus: StatusConnected,
			action: func(c *Client) {
				for i := 0; i < 5; i++ {
					c.recordFailure()
				}
			},
			expectedStatus: StatusCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient([]string{"nats://localhost:4222"})
			require.NoError(t, err)
			client.setStatus(tt.initialStatus)

			tt.action(client)

			assert.Equal(t, tt.expectedStatus, client.Status())
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestOperations_NotConnected(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)
	ctx := context.Background()

	errPub := client.Publish(ctx, "streams.data.x", []byte("payload"))
	assert.ErrorIs(t, errPub, errors.ErrNotConnected)

	_, errSub := client.Subscribe(ctx, "streams.data.x", func(context.Context, []byte) {})
	assert.ErrorIs(t, errSub, errors.ErrNotConnected)

	_, errRTT := client.RTT()
	assert.ErrorIs(t, errRTT, errors.ErrNotConnected)

	_, errJS := client.JetStream()
	assert.ErrorIs(t, errJS, errors.ErrNotConnected)

	_, errGet := client.GetKeyValueBucket(ctx, "stream-ads")
	assert.ErrorIs(t, errGet, errors.ErrNotConnected)

	errDel := client.DeleteKeyValueBucket(ctx, "stream-ads")
	assert.ErrorIs(t, errDel, errors.ErrNotConnected)
}

func TestGetStatus(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	status := client.GetStatus()
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Zero(t, status.FailureCount)
	assert.True(t, status.LastFailureTime.IsZero())

	client.recordFailure()

	status = client.GetStatus()
	assert.Equal(t, int32(1), status.FailureCount)
	assert.WithinDuration(t, time.Now(), status.LastFailureTime, time.Second)
}

func TestBuildConnectionOptions(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"},
		WithMaxReconnects(7),
		WithReconnectWait(3*time.Second),
		WithPingInterval(time.Minute),
		WithTimeout(9*time.Second),
		WithDrainTimeout(11*time.Second),
		WithCredentials("viewer", "secret"),
		WithToken("tok"),
		WithName("streamview-lab"),
		WithCompression(true),
	)
	require.NoError(t, err)

	opts := nats.GetDefaultOptions()
	for _, opt := range client.buildConnectionOptions() {
		require.NoError(t, opt(&opts))
	}

	assert.Equal(t, 7, opts.MaxReconnect)
	assert.Equal(t, 3*time.Second, opts.ReconnectWait)
	assert.Equal(t, time.Minute, opts.PingInterval)
	assert.Equal(t, 9*time.Second, opts.Timeout)
	assert.Equal(t, 11*time.Second, opts.DrainTimeout)
	assert.Equal(t, "viewer", opts.User)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "tok", opts.Token)
	assert.Equal(t, "streamview-lab", opts.Name)
	assert.True(t, opts.Compression)
}

func TestMetricsWiring(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient([]string{"nats://localhost:4222"}, WithMetrics(registry))
	require.NoError(t, err)

	core := registry.CoreMetrics()

	client.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSCircuitBreaker))

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSCircuitBreaker))

	client.countReconnect()
	client.countReconnect()
	assert.Equal(t, 2.0, testutil.ToFloat64(core.NATSReconnects))

	client.recordRTT(1500 * time.Microsecond)
	assert.InDelta(t, 1.5, testutil.ToFloat64(core.NATSRTT), 0.001)
}

func TestMetricsDisabled(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	// Without a registry these must not panic.
	client.setStatus(StatusConnected)
	client.countReconnect()
	client.recordRTT(time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClose_ScrubsCredentials(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"},
		WithCredentials("viewer", "secret"),
		WithToken("tok"),
	)
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))

	assert.Empty(t, client.username)
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)
}

func TestConcurrentFailureRecording(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				client.recordFailure()
				_ = client.Status()
				_ = client.Backoff()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(200), client.Failures())
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	assert.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}
