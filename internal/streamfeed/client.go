package streamfeed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btcdatapipe/pipeline/internal/circuit"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
)

// Conn is the minimal surface Client needs from a transport connection,
// abstracted so tests can substitute a fake without a real socket.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a Conn to a streaming endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer is the production Dialer over gorilla/websocket.
type GorillaDialer struct{}

func (GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives one normalized domain record per call, from the
// client's single read goroutine; handlers must not block (§4.5).
type Handler func(messageType string, record interface{})

const idleTimeout = 30 * time.Second
const decodeErrorWindow = time.Minute
const decodeErrorRateThreshold = 0.05
const dialTimeout = 10 * time.Second

// Client is C5: one logical connection multiplexing {trade, bestBidAsk,
// depth} x symbols over a single binary-framed transport.
type Client struct {
	dialer   Dialer
	baseURL  string
	apiKey   string
	streams  []string
	schema   SchemaConfig
	handler  Handler
	now      func() time.Time
	sleep    func(time.Duration)
	breaker  *circuit.ProductionBreaker

	mu                sync.Mutex
	state             State
	conn              Conn
	lastMessage       time.Time
	reconnectAttempts int
	windowStart       time.Time
	windowTotal       int
	windowDecodeError int
	isConnected       bool
}

type Config struct {
	BaseURL string
	APIKey  string
	Streams []string // e.g. "btcusdt@trade"
	Schema  SchemaConfig
}

func NewClient(dialer Dialer, cfg Config, handler Handler) *Client {
	return &Client{
		dialer:  dialer,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		streams: cfg.Streams,
		schema:  cfg.Schema,
		handler: handler,
		now:     time.Now,
		sleep:   time.Sleep,
		state:   StateDisconnected,
		breaker: circuit.NewProductionBreaker(cfg.BaseURL, circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			RequestTimeout:   dialTimeout,
		}),
	}
}

// Run drives the state machine until ctx is cancelled or the client
// reaches CLOSED (operator stop or exhausted reconnect budget).
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		default:
		}

		switch c.currentState() {
		case StateConnecting:
			if err := c.connect(ctx); err != nil {
				c.reconnectAttempts++
				if c.reconnectAttempts > maxReconnectAttempts {
					c.setState(StateClosed)
					return fmt.Errorf("streamfeed: exhausted reconnect budget: %w", err)
				}
				c.setState(StateReconnecting)
				continue
			}
			c.reconnectAttempts = 0
			c.setState(StateConnected)

		case StateConnected:
			c.readLoop(ctx)
			if c.currentState() == StateConnected {
				c.setState(StateReconnecting)
			}

		case StateReconnecting:
			backoff := time.Duration(minInt(1<<uint(c.reconnectAttempts), 60)) * time.Second
			c.sleep(backoff)
			c.setState(StateConnecting)

		case StateClosed:
			return nil
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-KEY", c.apiKey)
	}
	url := fmt.Sprintf("%s/%s", c.baseURL, strings.Join(c.streams, "/"))

	var conn Conn
	err := c.breaker.Call(ctx, dialTimeout, func(dialCtx context.Context) error {
		dialed, dialErr := c.dialer.Dial(dialCtx, url, header)
		if dialErr != nil {
			return dialErr
		}
		conn = dialed
		return nil
	})
	if err != nil {
		return fmt.Errorf("streamfeed: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.isConnected = true
	c.lastMessage = c.now()
	c.windowStart = c.now()
	c.windowTotal = 0
	c.windowDecodeError = 0
	c.mu.Unlock()
	return nil
}

// readLoop reads frames until a transport error, an idle timeout, or a
// decode-error storm triggers a reconnect (§4.5 transitions).
func (c *Client) readLoop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			c.mu.Lock()
			c.lastMessage = c.now()
			c.rollWindowLocked()
			c.windowTotal++
			c.mu.Unlock()

			msg, err := decodeFrame(c.schema, data)
			if err != nil {
				c.mu.Lock()
				c.windowDecodeError++
				storm := c.decodeErrorRateLocked() > decodeErrorRateThreshold
				c.mu.Unlock()
				if storm {
					return
				}
				continue
			}
			record, err := normalize(msg, c.now())
			if err != nil {
				continue
			}
			c.handler(msg.Type, record)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			c.mu.Lock()
			c.isConnected = false
			c.mu.Unlock()
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.now().Sub(c.lastMessage) > idleTimeout
			c.mu.Unlock()
			if idle {
				c.conn.Close()
				<-done
				c.mu.Lock()
				c.isConnected = false
				c.mu.Unlock()
				return
			}
		}
	}
}

// rollWindowLocked resets the decode-error rate window once a minute has
// elapsed; caller holds c.mu.
func (c *Client) rollWindowLocked() {
	if c.now().Sub(c.windowStart) >= decodeErrorWindow {
		c.windowStart = c.now()
		c.windowTotal = 0
		c.windowDecodeError = 0
	}
}

func (c *Client) decodeErrorRateLocked() float64 {
	if c.windowTotal == 0 {
		return 0
	}
	return float64(c.windowDecodeError) / float64(c.windowTotal)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = StateClosed
	c.isConnected = false
}

// HealthCheck implements obshealth.Checker per §4.5: healthy iff
// connected, a message arrived within 30s, and the decode-error rate is
// within bounds.
func (c *Client) HealthCheck(ctx context.Context) obshealth.Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	var issues []string
	status := obshealth.StatusHealthy
	if !c.isConnected {
		status = obshealth.StatusUnhealthy
		issues = append(issues, "not connected")
	}
	if c.isConnected && c.now().Sub(c.lastMessage) > idleTimeout {
		status = obshealth.StatusDegraded
		issues = append(issues, "no message in 30s")
	}
	rate := c.decodeErrorRateLocked()
	if rate > decodeErrorRateThreshold {
		status = obshealth.StatusDegraded
		issues = append(issues, "decode error rate above threshold")
	}
	return obshealth.Health{
		Status: status,
		Issues: issues,
		Stats: map[string]interface{}{
			"state":             c.state.String(),
			"decode_error_rate": rate,
			"reconnect_attempts": c.reconnectAttempts,
		},
	}
}
