package reservation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// How often a pool which is repeatedly out of capacity will log about it.
const waitLogInterval = 30 * time.Second

// Pool is a bounded budget of bytes. Reservations against the pool block while
// the budget is exhausted, which applies backpressure to whoever is producing
// the reserved items.
type Pool struct {
	total   int64
	sem     *semaphore.Weighted
	used    atomic.Int64
	waiting atomic.Int64
	onWait  []func()
	metrics *metrics.Metrics
	waitLog rate.Sometimes
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports pool usage to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithWaitHook calls fn each time a reservation has to wait for capacity.
// Holders of reserved bytes use it to learn that they should release them,
// for example by writing out what they buffer. fn must not block.
func WithWaitHook(fn func()) Option {
	return func(p *Pool) { p.onWait = append(p.onWait, fn) }
}

// NewPool returns a Pool of total bytes.
func NewPool(total int64, opts ...Option) *Pool {
	var p = &Pool{
		total:   total,
		sem:     semaphore.NewWeighted(total),
		waitLog: rate.Sometimes{Interval: waitLogInterval},
	}
	for _, o := range opts {
		o(p)
	}
	p.metrics = metrics.OrDiscard(p.metrics)
	p.metrics.CapacityBytes.Set(float64(total))

	return p
}

// Reserve claims bytes from the pool, waiting until they are available. A
// request for more than the total capacity of the pool can never be satisfied
// and fails immediately. If ctx is done while waiting, its error is returned
// and nothing is reserved.
func (p *Pool) Reserve(ctx context.Context, bytes int64) (*Reservation, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("invalid reservation of %d bytes", bytes)
	} else if bytes > p.total {
		return nil, cerrors.Capacityf("requested %s but the pool only has %s",
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(p.total)))
	} else if bytes == 0 {
		return &Reservation{pool: p}, nil
	}

	if !p.sem.TryAcquire(bytes) {
		var start = time.Now()
		p.waiting.Add(1)
		defer p.waiting.Add(-1)

		p.metrics.CapacityWaits.Inc()
		for _, fn := range p.onWait {
			fn()
		}
		p.waitLog.Do(func() {
			log.WithFields(log.Fields{
				"requested": humanize.IBytes(uint64(bytes)),
				"used":      humanize.IBytes(uint64(p.used.Load())),
				"total":     humanize.IBytes(uint64(p.total)),
			}).Info("waiting for capacity")
		})

		if err := p.sem.Acquire(ctx, bytes); err != nil {
			return nil, err
		}
		p.metrics.CapacityWaited.Observe(time.Since(start).Seconds())
	}
	p.metrics.ReservedBytes.Set(float64(p.used.Add(bytes)))

	return &Reservation{pool: p, remaining: bytes}, nil
}

// Release returns bytes to the pool and wakes the waiters which can now
// proceed. Releasing more bytes than are reserved panics.
func (p *Pool) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	p.metrics.ReservedBytes.Set(float64(p.used.Add(-bytes)))
	p.sem.Release(bytes)
}

// Used is the number of bytes currently reserved.
func (p *Pool) Used() int64 { return p.used.Load() }

// Waiting is the number of reservations currently waiting for capacity.
func (p *Pool) Waiting() int64 { return p.waiting.Load() }

// Total is the capacity of the pool.
func (p *Pool) Total() int64 { return p.total }

// Available is the number of bytes which could be reserved without waiting,
// absent other waiters.
func (p *Pool) Available() int64 { return p.total - p.used.Load() }

// Reservation is a claim on bytes of a Pool. It is released at most once, no
// matter how many code paths release it.
type Reservation struct {
	pool *Pool

	mu        sync.Mutex
	remaining int64
	released  bool
}

// Bytes is the number of bytes still held by the reservation.
func (r *Reservation) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Released is true once all bytes of the reservation have been returned.
func (r *Reservation) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// ReleasePartial returns up to n bytes of the reservation to its pool, and
// returns the number of bytes actually released.
func (r *Reservation) ReleasePartial(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released || n <= 0 {
		return 0
	}
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n
	r.released = r.remaining == 0
	r.pool.Release(n)

	return n
}

// Release returns all remaining bytes of the reservation to its pool.
// Subsequent calls do nothing.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return
	}
	r.pool.Release(r.remaining)
	r.remaining = 0
	r.released = true
}

// Reserved is a value carried together with the reservation paying for it.
type Reserved[T any] struct {
	*Reservation
	Value T
}

// Wrap associates v with the reservation r.
func Wrap[T any](r *Reservation, v T) Reserved[T] {
	return Reserved[T]{Reservation: r, Value: v}
}

// Replace returns a view of the same reservation carrying a new value. The
// byte debt is shared: releasing either view releases both.
func Replace[T, U any](r Reserved[T], v U) Reserved[U] {
	return Reserved[U]{Reservation: r.Reservation, Value: v}
}

// ReserveValue reserves bytes from p and wraps v with the reservation.
func ReserveValue[T any](ctx context.Context, p *Pool, bytes int64, v T) (Reserved[T], error) {
	r, err := p.Reserve(ctx, bytes)
	if err != nil {
		return Reserved[T]{}, err
	}
	return Wrap(r, v), nil
}
