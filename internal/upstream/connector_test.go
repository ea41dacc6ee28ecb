// ABOUTME: Tests for the backend connector using in-memory links.
// ABOUTME: Covers correlation under concurrency, timeouts, link loss, and reconnect exclusivity.

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-relay/internal/rpc"
)

// memLink is an in-memory Link. The test side reads requests from sent and
// writes replies into incoming.
type memLink struct {
	incoming  chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemLink() *memLink {
	return &memLink{
		incoming: make(chan []byte, 256),
		sent:     make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (l *memLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return errors.New("link closed")
	default:
	}
	select {
	case l.sent <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-l.incoming:
		return data, nil
	case <-l.closed:
		return nil, errors.New("link closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// reply writes a response for req into the link.
func (l *memLink) reply(t *testing.T, req rpc.Request, result any) {
	t.Helper()
	resp, err := rpc.NewResult(req.ID, result)
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	l.incoming <- data
}

// echoPeer answers every request on link with its params until the link closes.
func echoPeer(link *memLink) {
	for {
		select {
		case frame := <-link.sent:
			var req rpc.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				continue
			}
			data, _ := json.Marshal(rpc.Response{ID: req.ID, Result: req.Params})
			link.incoming <- data
		case <-link.closed:
			return
		}
	}
}

type testDialer struct {
	mu    sync.Mutex
	links []*memLink
	dials atomic.Int32
	gate  chan struct{}
	fail  atomic.Bool
	peer  func(*memLink)
}

func (d *testDialer) dial(ctx context.Context) (Link, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	link := newMemLink()
	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()
	if d.peer != nil {
		go d.peer(link)
	}
	return link, nil
}

func (d *testDialer) last() *memLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

func newTestConnector(t *testing.T, d *testDialer, mutate func(*Config)) *Connector {
	t.Helper()
	cfg := Config{
		Dial:           d.dial,
		Logger:         slog.Default(),
		DefaultTimeout: 2 * time.Second,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	c.Start(context.Background())
	t.Cleanup(c.Close)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)
	return c
}

func TestConnectorCall(t *testing.T) {
	t.Run("concurrent calls are correlated by id", func(t *testing.T) {
		d := &testDialer{peer: echoPeer}
		c := newTestConnector(t, d, nil)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				raw, err := c.Call(context.Background(), "students.get", map[string]any{"student_id": i}, 0)
				if err != nil {
					errs <- err
					return
				}
				var got map[string]int
				if err := json.Unmarshal(raw, &got); err != nil {
					errs <- err
					return
				}
				if got["student_id"] != i {
					errs <- fmt.Errorf("call %d got reply for %d", i, got["student_id"])
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("replies out of order reach the right caller", func(t *testing.T) {
		d := &testDialer{}
		c := newTestConnector(t, d, nil)
		link := d.last()

		results := make(chan string, 2)
		for _, name := range []string{"first", "second"} {
			go func(name string) {
				raw, err := c.Call(context.Background(), name, nil, 0)
				if err != nil {
					results <- "error: " + err.Error()
					return
				}
				var s string
				_ = json.Unmarshal(raw, &s)
				results <- name + "=" + s
			}(name)
		}

		var reqs []rpc.Request
		for range 2 {
			var req rpc.Request
			require.NoError(t, json.Unmarshal(<-link.sent, &req))
			reqs = append(reqs, req)
		}
		// Answer in reverse order, echoing the method name.
		link.reply(t, reqs[1], reqs[1].Method)
		link.reply(t, reqs[0], reqs[0].Method)

		got := []string{<-results, <-results}
		assert.ElementsMatch(t, []string{"first=first", "second=second"}, got)
	})

	t.Run("remote error is surfaced", func(t *testing.T) {
		d := &testDialer{}
		c := newTestConnector(t, d, nil)
		link := d.last()

		go func() {
			var req rpc.Request
			_ = json.Unmarshal(<-link.sent, &req)
			data, _ := json.Marshal(rpc.NewErrorResponse(req.ID, rpc.NotFound("Student not found")))
			link.incoming <- data
		}()

		_, err := c.Call(context.Background(), "students.get", nil, 0)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, rpc.CodeNotFound, remote.Code)
		assert.Equal(t, "Student not found", remote.Message)
	})
}

func TestConnectorTimeout(t *testing.T) {
	d := &testDialer{}
	c := newTestConnector(t, d, nil)
	link := d.last()

	_, err := c.Call(context.Background(), "students.list", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.PendingCount())

	// The late reply is discarded and the reader keeps serving.
	var req rpc.Request
	require.NoError(t, json.Unmarshal(<-link.sent, &req))
	link.reply(t, req, "late")
	require.Eventually(t, func() bool { return c.expired.len() == 0 }, time.Second, time.Millisecond)

	go echoPeer(link)
	raw, err := c.Call(context.Background(), "students.list", map[string]int{"limit": 1}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":1}`, string(raw))
}

func TestConnectorDiscardsBadFrames(t *testing.T) {
	d := &testDialer{}
	c := newTestConnector(t, d, nil)
	link := d.last()

	link.incoming <- []byte("not json")
	link.incoming <- []byte(`{"result":1}`)
	link.incoming <- []byte(`{"id":"nobody-asked","result":1}`)

	go echoPeer(link)
	raw, err := c.Call(context.Background(), "ping", map[string]bool{"ok": true}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestConnectorLinkLoss(t *testing.T) {
	t.Run("pending calls fail with connection lost", func(t *testing.T) {
		d := &testDialer{}
		c := newTestConnector(t, d, nil)
		link := d.last()

		const n = 5
		errs := make(chan error, n)
		for range n {
			go func() {
				_, err := c.Call(context.Background(), "students.list", nil, 0)
				errs <- err
			}()
		}
		for range n {
			<-link.sent
		}
		require.Eventually(t, func() bool { return c.PendingCount() == n }, time.Second, time.Millisecond)

		_ = link.Close()
		for range n {
			assert.ErrorIs(t, <-errs, ErrConnectionLost)
		}
	})

	t.Run("reader reconnects exactly once and calls resume", func(t *testing.T) {
		d := &testDialer{peer: echoPeer}
		c := newTestConnector(t, d, nil)

		_ = d.last().Close()
		require.Eventually(t, func() bool { return d.dials.Load() == 2 && c.Connected() }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := c.Call(context.Background(), "students.get", map[string]int{"student_id": i}, 0)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(2), d.dials.Load())
	})

	t.Run("concurrent callers share one reconnect", func(t *testing.T) {
		d := &testDialer{peer: echoPeer}
		c := newTestConnector(t, d, func(cfg *Config) { cfg.WaitForReconnect = true })

		d.gate = make(chan struct{})
		_ = d.last().Close()
		require.Eventually(t, func() bool { return d.dials.Load() == 2 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Call(context.Background(), "teachers.list", nil, 0)
				assert.NoError(t, err)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(d.gate)
		wg.Wait()
		assert.Equal(t, int32(2), d.dials.Load())
	})

	t.Run("callers fail fast while a reconnect is running", func(t *testing.T) {
		d := &testDialer{peer: echoPeer}
		c := newTestConnector(t, d, nil)

		d.gate = make(chan struct{})
		defer close(d.gate)
		_ = d.last().Close()
		require.Eventually(t, func() bool { return d.dials.Load() == 2 }, time.Second, time.Millisecond)

		_, err := c.Call(context.Background(), "teachers.list", nil, 0)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestConnectorClose(t *testing.T) {
	d := &testDialer{}
	c := newTestConnector(t, d, nil)
	link := d.last()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "students.list", nil, 0)
		errCh <- err
	}()
	<-link.sent

	c.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.False(t, c.Connected())

	_, err := c.Call(context.Background(), "students.list", nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectorNotStarted(t *testing.T) {
	c := New(Config{Dial: (&testDialer{}).dial})
	defer c.Close()

	_, err := c.Call(context.Background(), "students.list", nil, 0)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestConnectorBackoff(t *testing.T) {
	c := New(Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second, Dial: (&testDialer{}).dial})
	defer c.Close()

	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 400*time.Millisecond, c.backoff(2))
	assert.Equal(t, time.Second, c.backoff(10))
}
