// ABOUTME: Backend connector owning the single persistent upstream link.
// ABOUTME: Correlates replies by id, reconnects with capped backoff, and fails pending calls on link loss.

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/tool-relay/internal/rpc"
)

var (
	// ErrConnectionLost is returned to calls whose link closed before a reply arrived.
	ErrConnectionLost = errors.New("upstream connection lost")

	// ErrNotConnected is returned when no link is available and none could be established.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrTimeout is returned when a call's deadline passes without a reply.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrSendFailed is returned when the request could not be written to the link.
	ErrSendFailed = errors.New("upstream send failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connector closed")

	// ErrNotStarted is returned by Call before Start has launched the reader.
	ErrNotStarted = errors.New("connector not started")
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultReconnectAttempts = 3
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second

	expiredTTL     = 5 * time.Minute
	expiredMaxSize = 10000
)

// RemoteError is an error reply from the upstream peer.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// Config contains configuration options for the Connector.
type Config struct {
	// URL is the upstream websocket endpoint. Ignored when Dial is set.
	URL         string
	DialTimeout time.Duration
	Dial        DialFunc

	Logger *slog.Logger

	// DefaultTimeout applies to calls made with a zero timeout.
	DefaultTimeout time.Duration

	// ReconnectAttempts bounds the dials made by one reconnect procedure.
	ReconnectAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// WaitForReconnect makes callers that find the link down wait for an
	// in-flight reconnect instead of failing fast.
	WaitForReconnect bool

	// OnStateChange is invoked on link up/down transitions.
	OnStateChange func(connected bool)
}

// Connector multiplexes calls over one upstream link.
type Connector struct {
	cfg     Config
	dial    DialFunc
	logger  *slog.Logger
	pending *PendingTable
	expired *expiredSet

	connects     singleflight.Group
	reconnecting atomic.Bool
	started      atomic.Bool

	mu   sync.RWMutex
	link Link
	gen  uint64

	ready chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Connector. No connection is made until Start or the first Call.
func New(cfg Config) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dial = WebsocketDialer(cfg.URL, cfg.DialTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:     cfg,
		dial:    dial,
		logger:  cfg.Logger.With("component", "upstream"),
		pending: NewPendingTable(),
		expired: newExpiredSet(expiredTTL, expiredMaxSize),
		ready:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the reader goroutine. The reader runs until ctx is done or
// Close is called, reconnecting whenever the link drops.
func (c *Connector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.readLoop()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()
}

// Call sends method with params upstream and waits up to timeout for the reply.
// A zero timeout uses the configured default.
func (c *Connector) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	link, gen, err := c.ensureLink(callCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s waiting for connection", ErrTimeout, method, timeout)
		}
		return nil, err
	}

	id := uuid.NewString()
	idJSON, _ := json.Marshal(id)
	frame, err := json.Marshal(rpc.Request{ID: idJSON, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", method, err)
	}

	slot, err := c.pending.Register(id, gen)
	if err != nil {
		return nil, err
	}

	if err := link.Send(callCtx, frame); err != nil {
		c.pending.Remove(id)
		c.logger.Warn("upstream send failed",
			"method", method,
			"request_id", id,
			"error", err,
		)
		c.dropLink(gen, err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.logger.Debug("→ sent upstream", "method", method, "request_id", id)

	select {
	case out := <-slot:
		return out.value, out.err
	case <-callCtx.Done():
		if !c.pending.Remove(id) {
			// Resolved between the deadline and the removal; the outcome is in the slot.
			out := <-slot
			return out.value, out.err
		}
		c.expired.add(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("upstream call timed out",
			"method", method,
			"request_id", id,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	}
}

// Connected reports whether a link is currently open.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link != nil
}

// PendingCount returns the number of in-flight calls (for testing/monitoring).
func (c *Connector) PendingCount() int {
	return c.pending.Len()
}

// Close stops the reader, closes the link, and fails every in-flight call with ErrClosed.
// It is safe to call multiple times.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		link := c.link
		c.link = nil
		c.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}

		n := c.pending.FailAll(ErrClosed)
		c.wg.Wait()
		c.logger.Info("connector closed", "pending_cancelled", n)
	})
}

func (c *Connector) current() (Link, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link, c.gen
}

// ensureLink returns the open link, running or joining the reconnect procedure if needed.
func (c *Connector) ensureLink(ctx context.Context) (Link, uint64, error) {
	if link, gen := c.current(); link != nil {
		return link, gen, nil
	}
	if !c.cfg.WaitForReconnect && c.reconnecting.Load() {
		return nil, 0, ErrNotConnected
	}

	result := c.connects.DoChan("connect", func() (any, error) {
		return nil, c.connect()
	})
	select {
	case r := <-result:
		if r.Err != nil {
			return nil, 0, r.Err
		}
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	link, gen := c.current()
	if link == nil {
		return nil, 0, ErrNotConnected
	}
	return link, gen, nil
}

// connect runs one bounded reconnect procedure. Only ever invoked through
// the singleflight group, so at most one runs at a time.
func (c *Connector) connect() error {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	if link, _ := c.current(); link != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			if !c.sleep(c.backoff(attempt-1), nil) {
				return ErrClosed
			}
		}
		link, err := c.dial(c.ctx)
		if err == nil {
			c.install(link)
			return nil
		}
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		lastErr = err
		c.logger.Warn("upstream dial failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.ReconnectAttempts,
			"error", err,
		)
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

func (c *Connector) install(link Link) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = link.Close()
		return
	}
	c.gen++
	c.link = link
	gen := c.gen
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}

	c.logger.Info("upstream connected", "generation", gen)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(true)
	}
}

// dropLink closes the link of generation gen, if still current, and fails
// every call sent on it. Safe to call more than once per generation.
func (c *Connector) dropLink(gen uint64, cause error) {
	c.mu.Lock()
	var link Link
	if c.gen == gen && c.link != nil {
		link = c.link
		c.link = nil
	}
	c.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}

	n := c.pending.FailGeneration(gen, fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	if link == nil && n == 0 {
		return
	}
	c.logger.Warn("upstream link closed",
		"generation", gen,
		"pending_failed", n,
		"error", cause,
	)
	if link != nil && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(false)
	}
}

// readLoop is the only reader of the link. It never exits until the connector closes.
func (c *Connector) readLoop() {
	defer c.wg.Done()

	failures := 0
	for c.ctx.Err() == nil {
		link, gen := c.current()
		if link == nil {
			_, err, _ := c.connects.Do("connect", func() (any, error) {
				return nil, c.connect()
			})
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				delay := c.backoff(failures)
				failures++
				c.logger.Warn("upstream unavailable, retrying",
					"retry_in", delay,
					"error", err,
				)
				c.sleep(delay, c.ready)
			} else {
				failures = 0
			}
			continue
		}

		err := c.readFrom(link)
		if c.ctx.Err() != nil {
			return
		}
		c.dropLink(gen, err)
		c.sleep(c.cfg.BackoffBase, nil)
	}
}

// readFrom reads frames until the link fails, dispatching each to its caller.
func (c *Connector) readFrom(link Link) error {
	for {
		data, err := link.Receive(c.ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Connector) handleFrame(data []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("discarding non-JSON frame from upstream", "error", err, "size", len(data))
		return
	}
	req := rpc.Request{ID: resp.ID}
	if !req.HasID() {
		c.logger.Warn("discarding upstream frame without id")
		return
	}
	id := req.IDString()

	var callErr error
	if resp.Error != nil {
		callErr = &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if c.pending.Resolve(id, resp.Result, callErr) {
		c.logger.Debug("← upstream replied", "request_id", id)
		return
	}
	if c.expired.take(id) {
		c.logger.Info("discarding late response for expired request", "request_id", id)
		return
	}
	c.logger.Warn("received response for unknown request", "request_id", id)
}

// backoff returns base * 2^attempt, capped at the configured maximum.
func (c *Connector) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < attempt && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.cfg.BackoffMax)
}

// sleep waits for d, an early wake on wake, or close. Returns false on close.
func (c *Connector) sleep(d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-wake:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
