package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/metrics"
	log "github.com/sirupsen/logrus"
)

// PartitionKey identifies one concurrent writer's share of a state.
type PartitionKey string

// StateKey identifies a state boundary written by several partitions at once.
// Ordinal orders states, and Partitions are those contributing to it.
type StateKey struct {
	Ordinal    int64
	Partitions []PartitionKey
}

func (k StateKey) String() string {
	return fmt.Sprintf("%d%v", k.Ordinal, k.Partitions)
}

// Histogram counts records flushed per partition.
type Histogram map[PartitionKey]int64

// Merge adds the counts of o into h.
func (h Histogram) Merge(o Histogram) {
	for p, n := range o {
		h[p] += n
	}
}

// Sum of the counts of partitions. A missing partition counts as zero.
func (h Histogram) Sum(partitions []PartitionKey) int64 {
	var n int64
	for _, p := range partitions {
		n += h[p]
	}
	return n
}

type pendingState[T any] struct {
	key     StateKey
	payload T
}

// EmitFunc receives each completed state, in ordinal order.
type EmitFunc[T any] func(ctx context.Context, key StateKey, payload T) error

// Reconciler holds states until every partition of each has flushed the
// expected number of records, and emits them as a gap-free, increasing
// sequence of ordinals.
type Reconciler[T any] struct {
	emit    EmitFunc[T]
	metrics *metrics.Metrics

	mu       sync.Mutex
	expected map[int64]int64
	flushed  Histogram
	pending  []pendingState[T]
	next     int64
}

// New returns a Reconciler whose first state has ordinal first.
func New[T any](first int64, emit EmitFunc[T], m *metrics.Metrics) *Reconciler[T] {
	return &Reconciler[T]{
		emit:     emit,
		metrics:  metrics.OrDiscard(m),
		expected: make(map[int64]int64),
		flushed:  make(Histogram),
		next:     first,
	}
}

// SetExpected records the total number of records of a state, once its
// boundary is closed.
func (r *Reconciler[T]) SetExpected(key StateKey, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.expected[key.Ordinal]; ok && cur != total {
		return cerrors.Guardf("state %d already expects %d records, not %d", key.Ordinal, cur, total)
	}
	r.expected[key.Ordinal] = total
	return nil
}

// Flushed adds counts reported by partition writers. Reports are additive
// and may arrive in any order.
func (r *Reconciler[T]) Flushed(h Histogram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed.Merge(h)
}

// IsComplete is true if the partitions of key have flushed exactly the
// expected number of records.
func (r *Reconciler[T]) IsComplete(key StateKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isCompleteLocked(key)
}

func (r *Reconciler[T]) isCompleteLocked(key StateKey) bool {
	var want, ok = r.expected[key.Ordinal]
	return ok && r.flushed.Sum(key.Partitions) == want
}

// Add queues a state for emission. Ordinals must be unique and not yet
// emitted.
func (r *Reconciler[T]) Add(key StateKey, payload T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key.Ordinal < r.next {
		return cerrors.Orderingf("state %d added after state %d was emitted", key.Ordinal, r.next-1)
	}
	var i, found = slices.BinarySearchFunc(r.pending, key.Ordinal, func(s pendingState[T], ord int64) int {
		return cmp.Compare(s.key.Ordinal, ord)
	})
	if found {
		return cerrors.Orderingf("state %d added twice", key.Ordinal)
	}
	r.pending = slices.Insert(r.pending, i, pendingState[T]{key: key, payload: payload})

	return nil
}

// Remove forgets the expected and flushed counts of key, and only of key.
func (r *Reconciler[T]) Remove(key StateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key)
}

func (r *Reconciler[T]) removeLocked(key StateKey) {
	delete(r.expected, key.Ordinal)
	for _, p := range key.Partitions {
		delete(r.flushed, p)
	}
}

// Pending is the number of states not yet emitted.
func (r *Reconciler[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reconcile emits the complete states at the head of the pending sequence,
// stopping at the first which is incomplete or does not directly follow the
// last emitted ordinal. It returns the number of states emitted.
func (r *Reconciler[T]) Reconcile(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emitted int
	for len(r.pending) != 0 {
		var head = r.pending[0]

		if head.key.Ordinal != r.next || !r.isCompleteLocked(head.key) {
			break
		} else if err := r.emit(ctx, head.key, head.payload); err != nil {
			return emitted, fmt.Errorf("emitting state %d: %w", head.key.Ordinal, err)
		}

		r.pending = r.pending[1:]
		r.removeLocked(head.key)
		r.next++
		r.metrics.StatesReconciled.Inc()
		emitted++

		log.WithFields(log.Fields{
			"ordinal":    head.key.Ordinal,
			"partitions": len(head.key.Partitions),
		}).Debug("reconciled state")
	}
	return emitted, nil
}

// Run reconciles every period until ctx is done.
func (r *Reconciler[T]) Run(ctx context.Context, every time.Duration) error {
	var ticker = time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				return err
			}
		}
	}
}
