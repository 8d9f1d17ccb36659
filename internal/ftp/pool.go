package ftp

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/recovery"
)

// slot is one pooled control connection. The session dials lazily and
// restores the connection after a drop.
type slot struct {
	*recovery.Session[*conn]
	returned time.Time
}

// Pool hands out control connections exclusively. Its size bounds the
// number of concurrent commands and transfers against one server.
type Pool struct {
	slots       chan *slot
	all         []*slot
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	stats  PoolStats
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Size      int   `json:"size"`
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Connected int   `json:"connected"`
	Checkouts int64 `json:"checkouts"`
	Waits     int64 `json:"waits"`
	Discards  int64 `json:"discards"`
	Reaped    int64 `json:"reaped"`
	Dials     int   `json:"dials"`
}

type poolConfig struct {
	size        int
	idleTimeout time.Duration
	recovery    recovery.Config
	dial        recovery.Dialer[*conn]
	logger      *zap.Logger
	metrics     *metrics.Collector
}

func newPool(pc poolConfig) *Pool {
	if pc.size <= 0 {
		pc.size = 4
	}
	p := &Pool{
		slots:       make(chan *slot, pc.size),
		idleTimeout: pc.idleTimeout,
		logger:      pc.logger,
		metrics:     pc.metrics,
		stats:       PoolStats{Size: pc.size},
		done:        make(chan struct{}),
	}

	hooks := recovery.Hooks[*conn]{
		Close: func(c *conn) error { return c.close() },
		Probe: func(ctx context.Context, c *conn) error { return c.noop(ctx) },
		Lost: func(err error) bool {
			return errors.IsKind(err, errors.KindNetworkFailure)
		},
	}
	rc := pc.recovery
	rc.Logger = pc.logger
	for i := 0; i < pc.size; i++ {
		s := &slot{Session: recovery.NewSession("ftp-"+strconv.Itoa(i), rc, pc.dial, hooks)}
		p.all = append(p.all, s)
		p.slots <- s
	}

	if p.idleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

// get checks a slot out, waiting for one to be returned when all are busy.
func (p *Pool) get(ctx context.Context) (*slot, error) {
	if err := errors.Check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.KindInvalidCall, "connection pool is closed").WithComponent(Tag)
	}
	p.mu.Unlock()

	var s *slot
	select {
	case s = <-p.slots:
	default:
		p.mu.Lock()
		p.stats.Waits++
		p.mu.Unlock()
		select {
		case s = <-p.slots:
		case <-ctx.Done():
			return nil, errors.FromContext(ctx).WithComponent(Tag).WithOperation("acquire connection")
		case <-p.done:
			return nil, errors.New(errors.KindInvalidCall, "connection pool is closed").WithComponent(Tag)
		}
	}

	p.mu.Lock()
	p.stats.Checkouts++
	p.stats.Active++
	active := p.stats.Active
	p.mu.Unlock()
	p.metrics.SetActiveConnections(Tag, active)
	return s, nil
}

// put returns a slot. A broken connection is closed first so that the
// slot goes back disconnected.
func (p *Pool) put(s *slot, c *conn, cause error) {
	if c != nil && c.broken {
		s.Invalidate(cause)
		p.mu.Lock()
		p.stats.Discards++
		p.mu.Unlock()
	}
	s.returned = time.Now()

	p.mu.Lock()
	p.stats.Active--
	active := p.stats.Active
	closed := p.closed
	p.mu.Unlock()
	p.metrics.SetActiveConnections(Tag, active)

	if closed {
		_ = s.Close()
		return
	}
	p.slots <- s
}

// do runs fn on a pooled connection. A connection lost before or during
// fn is restored once by the slot's session.
func (p *Pool) do(ctx context.Context, fn func(ctx context.Context, c *conn) error) error {
	s, err := p.get(ctx)
	if err != nil {
		return err
	}
	var used *conn
	err = s.Do(ctx, func(ctx context.Context, c *conn) error {
		used = c
		return fn(ctx, c)
	})
	p.put(s, used, err)
	return err
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()

	stats.Idle = len(p.slots)
	for _, s := range p.all {
		st := s.Stats()
		if st.Connected {
			stats.Connected++
		}
		stats.Dials += st.Dials
	}
	return stats
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap disconnects slots that sat idle longer than the idle timeout.
func (p *Pool) reap() {
	n := len(p.slots)
	for i := 0; i < n; i++ {
		var s *slot
		select {
		case s = <-p.slots:
		default:
			return
		}
		if s.Connected() && time.Since(s.returned) > p.idleTimeout {
			s.Invalidate(nil)
			p.mu.Lock()
			p.stats.Reaped++
			p.mu.Unlock()
			p.logger.Debug("Closed idle connection", zap.String("slot", s.Stats().Name))
		}
		p.slots <- s
	}
}

// Close disconnects idle slots now and checked out slots when they are
// returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	for {
		select {
		case s := <-p.slots:
			_ = s.Close()
		default:
			return nil
		}
	}
}
