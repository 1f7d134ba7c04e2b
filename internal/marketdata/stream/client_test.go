package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/0Smallcat0/ai-trading-sub013/internal/marketdata/backpressure"
)

// fakeConn is a scripted in-memory connection.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(data []byte) { c.in <- data }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// fakeTransport fails the first failBeforeConnect dials, then hands out
// fresh fakeConns.
type fakeTransport struct {
	mu                sync.Mutex
	failBeforeConnect int
	dials             int
	conns             []*fakeConn
}

func (t *fakeTransport) Connect(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failBeforeConnect {
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testClientConfig() Config {
	return Config{
		URL:                  "ws://feed.test/stream",
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		BackoffFactor:        1.5,
		Jitter:               0,
		MaxQueueSize:         64,
		ProcessInterval:      time.Millisecond,
		EnableBackpressure:   false,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testClientConfig().Validate())

	bad := testClientConfig()
	bad.URL = ""
	assert.Error(t, bad.Validate())

	bad = testClientConfig()
	bad.BackoffFactor = 0.5
	assert.Error(t, bad.Validate())

	bad = testClientConfig()
	bad.EnableBackpressure = true
	bad.Backpressure = backpressure.Config{} // invalid zero config
	assert.Error(t, bad.Validate())
}

func TestReconnectExhaustionReachesStopped(t *testing.T) {
	transport := &fakeTransport{failBeforeConnect: 1 << 30} // never connects
	client, err := NewClient(testClientConfig(), func([]byte) {}, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return client.State() == StateStopped
	}, 2*time.Second, 5*time.Millisecond)

	stats := client.Stats()
	assert.False(t, client.ShouldReconnect())
	assert.Equal(t, int64(3), stats.ReconnectAttempts,
		"two allowed retries plus the final failed cycle")
	assert.Equal(t, 3, transport.dialCount(), "no dials after reaching stopped")

	// Stopped is terminal: dial count must not grow.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, transport.dialCount())
}

func TestReconnectRecoversAndResetsStreak(t *testing.T) {
	transport := &fakeTransport{failBeforeConnect: 1}
	client, err := NewClient(testClientConfig(), func([]byte) {}, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	stats := client.Stats()
	assert.Equal(t, int64(0), stats.ReconnectAttempts, "streak resets on successful open")
	assert.Equal(t, int64(1), stats.TotalReconnects)
	assert.True(t, client.ShouldReconnect())
}

func TestMessagesDeliveredInFIFOOrder(t *testing.T) {
	transport := &fakeTransport{}

	var mu sync.Mutex
	var got []string
	handler := func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}

	client, err := NewClient(testClientConfig(), handler, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := transport.lastConn()
	require.NotNil(t, conn)

	const n = 20
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("tick-%03d", i)
		want = append(want, msg)
		conn.push([]byte(msg))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
	assert.Equal(t, int64(n), client.Stats().MessagesProcessed)
}

func TestQueueOverflowDropsWithoutBlocking(t *testing.T) {
	cfg := testClientConfig()
	cfg.MaxQueueSize = 4

	release := make(chan struct{})
	handler := func([]byte) { <-release }

	transport := &fakeTransport{}
	client, err := NewClient(cfg, handler, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := transport.lastConn()
	require.NotNil(t, conn)
	for i := 0; i < 12; i++ {
		conn.push([]byte("burst"))
	}

	assert.Eventually(t, func() bool {
		stats := client.Stats()
		return stats.MessagesReceived == 12 && stats.MessagesDropped >= 1
	}, 2*time.Second, 5*time.Millisecond, "overflow must drop, not block the read worker")

	close(release)
	client.Close()
}

func TestBackpressureEngagesUnderLoad(t *testing.T) {
	cfg := testClientConfig()
	cfg.MaxQueueSize = 10
	cfg.EnableBackpressure = true
	cfg.Backpressure = backpressure.DefaultConfig()

	release := make(chan struct{})
	handler := func([]byte) { <-release }

	transport := &fakeTransport{}
	client, err := NewClient(cfg, handler, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := transport.lastConn()
	require.NotNil(t, conn)
	for i := 0; i < 15; i++ {
		conn.push([]byte("flood"))
	}

	assert.Eventually(t, func() bool {
		stats, ok := client.BackpressureStats()
		return ok && stats.BackpressureEvents >= 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	client.Close()
}

func TestSendRequiresConnection(t *testing.T) {
	transport := &fakeTransport{}
	client, err := NewClient(testClientConfig(), func([]byte) {}, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer client.Close()

	assert.ErrorIs(t, client.Send([]byte("early")), ErrNotConnected)

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Send([]byte("subscribe")))
	conn := transport.lastConn()
	require.NotNil(t, conn)
	assert.Equal(t, [][]byte{[]byte("subscribe")}, conn.written())
	assert.Equal(t, int64(1), client.Stats().MessagesSent)
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	transport := &fakeTransport{}

	var mu sync.Mutex
	var got []string
	handler := func(data []byte) {
		if string(data) == "poison" {
			panic("bad payload")
		}
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}

	client, err := NewClient(testClientConfig(), handler, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := transport.lastConn()
	conn.push([]byte("poison"))
	conn.push([]byte("after"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "after"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	transport := &fakeTransport{}
	client, err := NewClient(testClientConfig(), func([]byte) {}, transport, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.ShouldReconnect())

	// A closed client never reconnects.
	dials := transport.dialCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, transport.dialCount())

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClientStopped)
}

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return 0
}

func TestMetricsAreGatherable(t *testing.T) {
	reg := prometheus.NewRegistry()
	transport := &fakeTransport{}
	client, err := NewClient(testClientConfig(), func([]byte) {}, transport, zaptest.NewLogger(t), reg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := transport.lastConn()
	require.NotNil(t, conn)
	for i := 0; i < 3; i++ {
		conn.push([]byte("tick"))
	}

	require.Eventually(t, func() bool {
		return client.Stats().MessagesReceived == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(3), gatherCounter(t, reg, "stream_messages_received_total"))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
