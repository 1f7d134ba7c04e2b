// Package stream provides a reconnecting, backpressure-aware client for
// persistent upstream data feeds. Inbound messages flow through a bounded
// queue to a consumer callback on a dedicated worker, paced by queue
// occupancy so bursts slow the consumer instead of growing memory.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/0Smallcat0/ai-trading-sub013/internal/marketdata/backpressure"
)

// State is the connection lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrClientStopped is returned by Connect after the client reached a
	// terminal state.
	ErrClientStopped = errors.New("stream: client already started or stopped")
)

// MessageHandler consumes inbound messages. It runs on the client's
// processing worker; panics are recovered and logged.
type MessageHandler func(data []byte)

// Config configures a Client.
type Config struct {
	URL                  string              `json:"url" yaml:"url" mapstructure:"url"`
	ReconnectInterval    time.Duration       `json:"reconnect_interval" yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int                 `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	BackoffFactor        float64             `json:"backoff_factor" yaml:"backoff_factor" mapstructure:"backoff_factor"`
	Jitter               float64             `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
	MaxQueueSize         int                 `json:"max_queue_size" yaml:"max_queue_size" mapstructure:"max_queue_size"`
	ProcessInterval      time.Duration       `json:"process_interval" yaml:"process_interval" mapstructure:"process_interval"`
	EnableBackpressure   bool                `json:"enable_backpressure" yaml:"enable_backpressure" mapstructure:"enable_backpressure"`
	Backpressure         backpressure.Config `json:"backpressure" yaml:"backpressure" mapstructure:"backpressure"`
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		BackoffFactor:        2.0,
		Jitter:               0.1,
		MaxQueueSize:         1000,
		ProcessInterval:      time.Millisecond,
		EnableBackpressure:   true,
		Backpressure:         backpressure.DefaultConfig(),
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("stream: url must not be empty")
	case c.ReconnectInterval <= 0:
		return errors.New("stream: reconnect_interval must be positive")
	case c.MaxReconnectAttempts < 0:
		return errors.New("stream: max_reconnect_attempts must not be negative")
	case c.BackoffFactor < 1.0:
		return errors.New("stream: backoff_factor must be >= 1.0")
	case c.Jitter < 0:
		return errors.New("stream: jitter must not be negative")
	case c.MaxQueueSize <= 0:
		return errors.New("stream: max_queue_size must be positive")
	case c.ProcessInterval <= 0:
		return errors.New("stream: process_interval must be positive")
	}
	if c.EnableBackpressure {
		bp := c.Backpressure
		bp.MaxQueueSize = c.MaxQueueSize
		return bp.Validate()
	}
	return nil
}

// Stats is a point-in-time snapshot of client state.
type Stats struct {
	URL               string `json:"url"`
	State             string `json:"state"`
	ShouldReconnect   bool   `json:"should_reconnect"`
	ReconnectAttempts int64  `json:"reconnect_attempts"`
	TotalReconnects   int64  `json:"total_reconnects"`
	MessagesReceived  int64  `json:"messages_received"`
	MessagesProcessed int64  `json:"messages_processed"`
	MessagesDropped   int64  `json:"messages_dropped"`
	MessagesSent      int64  `json:"messages_sent"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
}

// clientMetrics tracks message flow for scraping.
type clientMetrics struct {
	messagesReceived prometheus.Counter
	messagesDropped  prometheus.Counter
	reconnects       prometheus.Counter
}

func initClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_messages_received_total",
			Help: "Total number of messages received from the upstream feed",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_messages_dropped_total",
			Help: "Total number of inbound messages dropped because the queue was full",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnect_attempts_total",
			Help: "Total number of failed connection cycles",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messagesReceived, m.messagesDropped, m.reconnects)
	}
	return m
}

// closeJoinTimeout bounds how long Close waits for workers.
const closeJoinTimeout = 5 * time.Second

// Client owns one persistent upstream connection. It reconnects with
// exponential backoff and jitter, buffers inbound messages in a bounded
// queue (dropping on overflow, never blocking the network worker), and
// dispatches them FIFO on a dedicated processing worker.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	transport Transport
	handler   MessageHandler
	bp        *backpressure.Controller // nil unless backpressure is enabled

	state           int32
	closed          int32
	shouldReconnect int32
	reconnectStreak int64 // consecutive failed cycles, reset on connect
	totalReconnects int64

	connMu sync.RWMutex
	conn   Conn

	queue     chan []byte
	shutdown  chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	received  int64
	processed int64
	dropped   int64
	sent      int64

	metrics *clientMetrics
}

// NewClient creates a client. handler must not be nil; transport defaults to
// the WebSocket transport when nil. The client's collectors are registered
// with reg; pass nil to skip registration (one registered client per registry).
func NewClient(cfg Config, handler MessageHandler, transport Transport, logger *zap.Logger, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("stream: handler must not be nil")
	}
	if transport == nil {
		transport = NewWebSocketTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:             cfg,
		logger:          logger.Named("stream"),
		transport:       transport,
		handler:         handler,
		state:           int32(StateDisconnected),
		shouldReconnect: 1,
		queue:           make(chan []byte, cfg.MaxQueueSize),
		shutdown:        make(chan struct{}),
		metrics:         initClientMetrics(reg),
	}

	if cfg.EnableBackpressure {
		bpCfg := cfg.Backpressure
		bpCfg.MaxQueueSize = cfg.MaxQueueSize
		bp, err := backpressure.NewController(bpCfg, logger)
		if err != nil {
			return nil, err
		}
		c.bp = bp
	}
	return c, nil
}

// Connect starts the connection and processing workers. Connection
// establishment and recovery happen asynchronously; observe progress via
// State and Stats.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientStopped
	}
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateDisconnected), int32(StateConnecting)) {
		return ErrClientStopped
	}

	c.workers.Add(2)
	go c.connectionLoop(ctx)
	go c.processLoop()

	c.logger.Info("streaming client started", zap.String("url", c.cfg.URL))
	return nil
}

// connectionLoop dials, reads until failure, and drives the reconnect state
// machine until the client stops or closes.
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.workers.Done()

	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.transport.Connect(ctx, c.cfg.URL)
		if err != nil {
			c.logger.Warn("connection attempt failed",
				zap.String("url", c.cfg.URL),
				zap.Error(err))
			if !c.backoffAfterFailedCycle() {
				return
			}
			continue
		}

		c.setConn(conn)
		atomic.StoreInt64(&c.reconnectStreak, 0)
		c.setState(StateConnected)
		c.logger.Info("connected", zap.String("url", c.cfg.URL))

		c.readUntilError(conn)
		c.setConn(nil)
		conn.Close()

		select {
		case <-c.shutdown:
			return
		default:
		}
		c.logger.Warn("connection lost", zap.String("url", c.cfg.URL))
		if !c.backoffAfterFailedCycle() {
			return
		}
	}
}

// readUntilError pumps inbound messages into the bounded queue. Enqueueing
// never blocks; overflow drops the message and counts it.
func (c *Client) readUntilError(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&c.received, 1)
		c.metrics.messagesReceived.Inc()

		if c.bp != nil {
			c.bp.CheckAndAdjust(len(c.queue))
		}
		select {
		case c.queue <- data:
		default:
			atomic.AddInt64(&c.dropped, 1)
			c.metrics.messagesDropped.Inc()
		}
	}
}

// backoffAfterFailedCycle records one failed connection cycle and sleeps the
// computed backoff. It returns false once the client must stop, either
// because attempts are exhausted or a shutdown arrived mid-wait.
func (c *Client) backoffAfterFailedCycle() bool {
	attempts := atomic.AddInt64(&c.reconnectStreak, 1)
	atomic.AddInt64(&c.totalReconnects, 1)
	c.metrics.reconnects.Inc()

	if attempts > int64(c.cfg.MaxReconnectAttempts) {
		atomic.StoreInt32(&c.shouldReconnect, 0)
		c.setState(StateStopped)
		c.logger.Error("reconnect attempts exhausted, giving up",
			zap.String("url", c.cfg.URL),
			zap.Int64("attempts", attempts),
			zap.Int("max_reconnect_attempts", c.cfg.MaxReconnectAttempts))
		return false
	}

	c.setState(StateReconnecting)
	wait := time.Duration(float64(c.cfg.ReconnectInterval) *
		math.Pow(c.cfg.BackoffFactor, float64(attempts-1)))
	if c.cfg.Jitter > 0 {
		wait += time.Duration(rand.Float64() * c.cfg.Jitter * float64(wait))
	}
	c.logger.Info("reconnecting",
		zap.Int64("attempt", attempts),
		zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	select {
	case <-c.shutdown:
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

// processLoop dequeues with a timeout bounded by the current backpressure
// interval, dispatches to the handler, then sleeps the remainder of the
// interval above the baseline process interval.
func (c *Client) processLoop() {
	defer c.workers.Done()

	for {
		interval := c.pollInterval()
		timer := time.NewTimer(interval)
		select {
		case <-c.shutdown:
			timer.Stop()
			return
		case data := <-c.queue:
			timer.Stop()
			c.dispatch(data)
			atomic.AddInt64(&c.processed, 1)
			if pause := interval - c.cfg.ProcessInterval; pause > 0 {
				pauseTimer := time.NewTimer(pause)
				select {
				case <-c.shutdown:
					pauseTimer.Stop()
					return
				case <-pauseTimer.C:
				}
			}
		case <-timer.C:
			// idle cycle, re-read the interval
		}
	}
}

func (c *Client) pollInterval() time.Duration {
	if c.bp != nil {
		if interval := c.bp.CurrentInterval(); interval > c.cfg.ProcessInterval {
			return interval
		}
	}
	return c.cfg.ProcessInterval
}

// dispatch invokes the consumer callback, recovering panics so one bad
// message cannot kill the processing worker.
func (c *Client) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", zap.Any("panic", r))
		}
	}()
	c.handler(data)
}

// Send writes a message on the current connection.
func (c *Client) Send(data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	atomic.AddInt64(&c.sent, 1)
	return nil
}

// Close stops reconnection, tears down the connection, and joins the
// workers with a bounded timeout. It is idempotent and forces the terminal
// disconnected state.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		atomic.StoreInt32(&c.shouldReconnect, 0)
		close(c.shutdown)
		if conn := c.currentConn(); conn != nil {
			conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeJoinTimeout):
			c.logger.Warn("close timed out waiting for workers")
		}

		c.setState(StateDisconnected)
		c.logger.Info("streaming client closed", zap.String("url", c.cfg.URL))
	})
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// ShouldReconnect reports whether the client will attempt further automatic
// reconnection.
func (c *Client) ShouldReconnect() bool {
	return atomic.LoadInt32(&c.shouldReconnect) == 1
}

// Stats returns a snapshot of client state.
func (c *Client) Stats() Stats {
	return Stats{
		URL:               c.cfg.URL,
		State:             c.State().String(),
		ShouldReconnect:   c.ShouldReconnect(),
		ReconnectAttempts: atomic.LoadInt64(&c.reconnectStreak),
		TotalReconnects:   atomic.LoadInt64(&c.totalReconnects),
		MessagesReceived:  atomic.LoadInt64(&c.received),
		MessagesProcessed: atomic.LoadInt64(&c.processed),
		MessagesDropped:   atomic.LoadInt64(&c.dropped),
		MessagesSent:      atomic.LoadInt64(&c.sent),
		QueueDepth:        len(c.queue),
		QueueCapacity:     cap(c.queue),
	}
}

// BackpressureStats returns the controller snapshot; ok is false when
// backpressure is disabled.
func (c *Client) BackpressureStats() (backpressure.Stats, bool) {
	if c.bp == nil {
		return backpressure.Stats{}, false
	}
	return c.bp.Stats(), true
}
