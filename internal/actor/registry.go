// Package actor runs one single-writer worker per key.
//
// Every key gets its own goroutine and mailbox. Messages for a key run one at
// a time in arrival order; different keys run in parallel with no shared
// locks. A worker is activated lazily by the registry's Factory on the first
// Ask for its key and torn down after IdleTimeout without messages, when it
// calls Handle.Deactivate, or when the registry is closed. If the activated
// value implements io.Closer it is closed on teardown.
package actor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gftdcojp/projection-cache/internal/metrics"
	"go.uber.org/zap"
)

// ErrClosed is returned by Ask after Close.
var ErrClosed = errors.New("actor registry closed")

// errStopped tells Ask to retry against a fresh activation.
var errStopped = errors.New("actor stopped")

// Factory activates the worker for key. It runs on the worker goroutine with
// the context of the Ask that triggered activation.
type Factory[K comparable, A any] func(ctx context.Context, key K, h *Handle[A]) (A, error)

// Config configures a Registry.
type Config struct {
	// Kind labels metrics and logs, e.g. "cursor".
	Kind        string
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Registry maps keys to their workers.
type Registry[K comparable, A any] struct {
	kind    string
	idle    time.Duration
	factory Factory[K, A]
	logger  *zap.Logger

	mu     sync.Mutex
	cells  map[K]*cell[A]
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry that activates workers with factory.
func NewRegistry[K comparable, A any](cfg Config, factory Factory[K, A]) *Registry[K, A] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[K, A]{
		kind:    cfg.Kind,
		idle:    cfg.IdleTimeout,
		factory: factory,
		logger:  logger,
		cells:   make(map[K]*cell[A]),
		quit:    make(chan struct{}),
	}
}

// Ask runs fn on the worker for key and waits for its result, activating the
// worker first if needed. If ctx is done before fn starts, fn is skipped.
func (r *Registry[K, A]) Ask(ctx context.Context, key K, fn func(ctx context.Context, a A) error) error {
	for {
		c, err := r.cellFor(key)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		if !c.post(message[A]{ctx: ctx, fn: fn, done: done}) {
			continue
		}
		select {
		case err := <-done:
			if errors.Is(err, errStopped) {
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call is Ask for functions that return a value.
func Call[K comparable, A any, R any](ctx context.Context, r *Registry[K, A], key K, fn func(ctx context.Context, a A) (R, error)) (R, error) {
	var out R
	err := r.Ask(ctx, key, func(ctx context.Context, a A) error {
		var err error
		out, err = fn(ctx, a)
		return err
	})
	return out, err
}

// Len returns the number of live workers.
func (r *Registry[K, A]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Close stops every worker and waits for them to finish their current message.
func (r *Registry[K, A]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Registry[K, A]) cellFor(key K) (*cell[A], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.cells[key]; ok && !c.isStopped() {
		return c, nil
	}
	c := &cell[A]{wake: make(chan struct{}, 1)}
	r.cells[key] = c
	r.wg.Add(1)
	go r.run(key, c)
	return c, nil
}

func (r *Registry[K, A]) remove(key K, c *cell[A]) {
	r.mu.Lock()
	if r.cells[key] == c {
		delete(r.cells, key)
	}
	r.mu.Unlock()
}

func (r *Registry[K, A]) run(key K, c *cell[A]) {
	defer r.wg.Done()

	first, ok := c.next(0, r.quit)
	if !ok {
		r.teardown(key, c)
		return
	}
	if err := first.ctx.Err(); err != nil {
		first.reply(err)
		r.teardown(key, c)
		return
	}

	h := &Handle[A]{c: c}
	a, err := r.factory(first.ctx, key, h)
	if err != nil {
		r.logger.Debug("activation failed", zap.String("kind", r.kind), zap.Any("key", key), zap.Error(err))
		metrics.ActorActivationErrors.WithLabelValues(r.kind).Inc()
		first.reply(err)
		r.teardown(key, c)
		return
	}
	metrics.ActorsActive.WithLabelValues(r.kind).Inc()
	defer metrics.ActorsActive.WithLabelValues(r.kind).Dec()

	c.deliver(first, a)
	for !c.deactivated() {
		msg, ok := c.next(r.idle, r.quit)
		if !ok {
			break
		}
		c.deliver(msg, a)
	}

	r.teardown(key, c)
	if closer, ok := any(a).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("closing actor", zap.String("kind", r.kind), zap.Any("key", key), zap.Error(err))
		}
	}
}

// teardown unpublishes the cell and sends queued callers back to Ask for a
// fresh activation.
func (r *Registry[K, A]) teardown(key K, c *cell[A]) {
	pending := c.stop()
	r.remove(key, c)
	for _, m := range pending {
		m.reply(errStopped)
	}
}

type message[A any] struct {
	ctx  context.Context
	fn   func(ctx context.Context, a A) error
	done chan error
}

func (m message[A]) reply(err error) {
	if m.done != nil {
		m.done <- err
	}
}

type cell[A any] struct {
	mu      sync.Mutex
	queue   []message[A]
	stopped bool
	deact   bool
	wake    chan struct{}
}

func (c *cell[A]) post(m message[A]) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// next blocks for the next message. It returns false once the worker is
// deactivated, after idle (if > 0) elapses with an empty mailbox, or once quit
// is closed and the mailbox is empty.
func (c *cell[A]) next(idle time.Duration, quit <-chan struct{}) (message[A], bool) {
	var timeout <-chan time.Time
	if idle > 0 {
		t := time.NewTimer(idle)
		defer t.Stop()
		timeout = t.C
	}
	for {
		c.mu.Lock()
		if c.deact {
			c.mu.Unlock()
			return message[A]{}, false
		}
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue[0] = message[A]{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return m, true
		}
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-timeout:
			return message[A]{}, false
		case <-quit:
			return message[A]{}, false
		}
	}
}

func (c *cell[A]) deliver(m message[A], a A) {
	if err := m.ctx.Err(); err != nil {
		m.reply(err)
		return
	}
	m.reply(m.fn(m.ctx, a))
}

func (c *cell[A]) stop() []message[A] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	pending := c.queue
	c.queue = nil
	return pending
}

func (c *cell[A]) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *cell[A]) deactivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deact
}

// Handle lets an activated worker address itself.
type Handle[A any] struct {
	c *cell[A]
}

// Tell queues fn on this worker without waiting. It reports false if the
// worker has already been torn down; a message for a torn-down worker is
// dropped rather than delivered to a later activation of the same key.
func (h *Handle[A]) Tell(fn func(ctx context.Context, a A) error) bool {
	return h.c.post(message[A]{ctx: context.Background(), fn: fn})
}

// Deactivate tears the worker down after the message currently running.
// The next Ask for the key activates a fresh worker.
func (h *Handle[A]) Deactivate() {
	h.c.mu.Lock()
	h.c.deact = true
	h.c.mu.Unlock()
	select {
	case h.c.wake <- struct{}{}:
	default:
	}
}
