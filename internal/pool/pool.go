// Package pool implements the bounded connection pool that sits between
// the per-notification caller and the per-connection multiplexer built by
// internal/transport. It holds at most cfg.Size ready connections at a time,
// serves Acquire calls in FIFO order once the pool is saturated, and is the
// sole place that reports connection lifecycle events to a metrics sink.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-apns-client/internal/metrics"
	"github.com/tinywideclouds/go-apns-client/internal/transport"
	"github.com/tinywideclouds/go-apns-client/pkg/apns"
)

// Conn is the surface a Pool needs from a connection; *transport.Connection
// satisfies it.
type Conn interface {
	ID() string
	IsUsable() bool
	Done() <-chan struct{}
	Close() error
	Send(ctx context.Context, req transport.Request) (*transport.RawResponse, error)
}

// Factory produces a new, ready Conn. *transport.Factory is adapted to this
// interface by NewTransportFactory; tests substitute a fake.
type Factory interface {
	Connect(ctx context.Context) (Conn, error)
}

type transportFactoryAdapter struct{ f *transport.Factory }

// NewTransportFactory adapts a *transport.Factory for use as a pool Factory.
func NewTransportFactory(f *transport.Factory) Factory {
	return transportFactoryAdapter{f: f}
}

func (a transportFactoryAdapter) Connect(ctx context.Context) (Conn, error) {
	c, err := a.f.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config configures a Pool.
type Config struct {
	// Size is the maximum number of connections the pool keeps ready or
	// in the process of being created at once.
	Size int
	// PendingAcquireLimit caps the number of Acquire calls allowed to queue
	// once the pool is saturated; zero means unbounded.
	PendingAcquireLimit int

	Factory Factory
	Metrics metrics.Listener
	Logger  *slog.Logger
}

type acquireResult struct {
	conn Conn
	err  error
}

type idleEntry struct {
	conn    Conn
	claimed chan struct{}
}

// Pool is the bounded connection pool.
type Pool struct {
	cfg Config

	mu             sync.Mutex
	cond           *sync.Cond
	idle           []*idleEntry
	checkedOut     int
	pendingCreates int
	waiters        *list.List // of chan acquireResult, front = longest-waiting

	closed  bool
	closeCh chan struct{}
}

// New constructs a Pool from cfg. cfg.Factory must not be nil.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		waiters: list.New(),
		closeCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// occupiedLocked is the number of pool slots currently in use: idle
// connections, checked-out connections, and creations in flight. The
// invariant |idle|+|checkedOut|+|pendingCreates| ≤ Size holds at every
// point this is checked under p.mu.
func (p *Pool) occupiedLocked() int {
	return len(p.idle) + p.checkedOut + p.pendingCreates
}

// Acquire returns a ready connection: an idle one if one is usable,
// otherwise a freshly created one if the pool has spare capacity, otherwise
// it queues behind any earlier waiting callers until a connection is
// released, destroyed, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &apns.ClientClosedError{}
	}

	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		close(e.claimed)
		if !e.conn.IsUsable() {
			p.cfg.Metrics.ConnectionRemoved()
			continue
		}
		p.checkedOut++
		p.mu.Unlock()
		return e.conn, nil
	}

	if p.occupiedLocked() < p.cfg.Size {
		p.pendingCreates++
		p.mu.Unlock()
		return p.create(ctx)
	}

	if p.cfg.PendingAcquireLimit > 0 && p.waiters.Len() >= p.cfg.PendingAcquireLimit {
		p.mu.Unlock()
		return nil, &apns.RejectedAcquisitionError{Limit: p.cfg.PendingAcquireLimit}
	}

	ch := make(chan acquireResult, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case res := <-ch:
			// A connection was already handed to us in the instant before
			// we could dequeue; don't leak it.
			p.mu.Unlock()
			if res.conn != nil {
				p.Release(res.conn)
			}
			return nil, ctx.Err()
		default:
		}
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	case <-p.closeCh:
		return nil, &apns.ClientClosedError{}
	}
}

// create runs a connect attempt on behalf of the calling Acquire, under a
// pendingCreates slot already reserved by the caller.
func (p *Pool) create(ctx context.Context) (Conn, error) {
	conn, err := p.cfg.Factory.Connect(ctx)

	p.mu.Lock()
	p.pendingCreates--
	if err != nil {
		p.mu.Unlock()
		p.cfg.Metrics.ConnectionCreationFailed()
		p.tryDispatchCreate()
		return nil, fmt.Errorf("pool: create connection: %w", err)
	}
	p.checkedOut++
	p.mu.Unlock()
	p.cfg.Metrics.ConnectionAdded()
	return conn, nil
}

// tryDispatchCreate pops the longest-waiting queued Acquire, if any, and
// creates a connection for it in the background. Called whenever a slot
// frees up asynchronously (a create failed, a connection died while idle,
// or Release/Destroy freed a checked-out slot with no idle connection to
// hand over).
func (p *Pool) tryDispatchCreate() {
	p.mu.Lock()
	front := p.waiters.Front()
	if front == nil || p.occupiedLocked() >= p.cfg.Size {
		p.mu.Unlock()
		return
	}
	p.waiters.Remove(front)
	ch := front.Value.(chan acquireResult)
	p.pendingCreates++
	p.mu.Unlock()

	go func() {
		conn, err := p.cfg.Factory.Connect(context.Background())

		p.mu.Lock()
		p.pendingCreates--
		if err != nil {
			p.mu.Unlock()
			p.cfg.Metrics.ConnectionCreationFailed()
			ch <- acquireResult{err: fmt.Errorf("pool: create connection: %w", err)}
			return
		}
		p.checkedOut++
		p.mu.Unlock()
		p.cfg.Metrics.ConnectionAdded()
		ch <- acquireResult{conn: conn}
	}()
}

// Release returns a connection the caller is done with, but believes is
// still healthy, to the pool: straight to the longest-waiting queued
// Acquire if one exists, otherwise back to the idle set.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	p.checkedOut--
	p.cond.Broadcast()

	if p.closed || !conn.IsUsable() {
		p.mu.Unlock()
		go conn.Close()
		p.cfg.Metrics.ConnectionRemoved()
		p.tryDispatchCreate()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		ch := front.Value.(chan acquireResult)
		p.checkedOut++
		p.mu.Unlock()
		ch <- acquireResult{conn: conn}
		return
	}

	entry := &idleEntry{conn: conn, claimed: make(chan struct{})}
	p.idle = append(p.idle, entry)
	p.mu.Unlock()
	go p.watchIdle(entry)
}

// Destroy tells the pool a checked-out connection is no longer usable (the
// caller saw a write failure, GOAWAY, or stream exhaustion) and must not be
// returned to service.
func (p *Pool) Destroy(conn Conn) {
	conn.Close()
	p.mu.Lock()
	p.checkedOut--
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cfg.Metrics.ConnectionRemoved()
	p.tryDispatchCreate()
}

// watchIdle notices if an idle connection's Done channel closes (keep-alive
// timeout, explicit Close) before anyone claims it, so its slot is freed and
// a queued Acquire isn't left waiting on a connection that's already gone. A
// connection that a GOAWAY only marked unusable stays in the idle set until
// Acquire checks IsUsable and discards it.
func (p *Pool) watchIdle(e *idleEntry) {
	select {
	case <-e.claimed:
		return
	case <-e.conn.Done():
		p.mu.Lock()
		for i, cur := range p.idle {
			if cur == e {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		p.cfg.Metrics.ConnectionRemoved()
		p.tryDispatchCreate()
	case <-p.closeCh:
	}
}

// Close stops accepting new Acquire calls, closes every idle connection, and
// waits for checked-out connections to be returned via Release/Destroy until
// ctx is done. It does not forcibly interrupt
// in-flight sends; callers drain those themselves before ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	idle := p.idle
	p.idle = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(chan acquireResult) <- acquireResult{err: &apns.ClientClosedError{}}
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, e := range idle {
		close(e.claimed)
		e.conn.Close()
		p.cfg.Metrics.ConnectionRemoved()
	}

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.checkedOut > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		remaining := p.checkedOut
		p.mu.Unlock()
		return fmt.Errorf("pool: graceful shutdown timed out with %d connection(s) still checked out", remaining)
	}
}
