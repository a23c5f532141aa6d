package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	ordinals []int64
	payloads []string
}

func (e *emitted) emit(_ context.Context, key StateKey, payload string) error {
	e.ordinals = append(e.ordinals, key.Ordinal)
	e.payloads = append(e.payloads, payload)
	return nil
}

func threePartitions(ordinal int64) StateKey {
	return StateKey{Ordinal: ordinal, Partitions: []PartitionKey{"p0", "p1", "p2"}}
}

func TestCompletenessIsIndependentOfReportOrder(t *testing.T) {
	var reports = []Histogram{{"p0": 5}, {"p1": 3}, {"p2": 7}}

	for _, order := range [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}, {2, 1, 0}} {
		r := New[string](1, (&emitted{}).emit, nil)
		key := threePartitions(1)
		require.NoError(t, r.SetExpected(key, 15))

		for i, idx := range order {
			require.False(t, r.IsComplete(key))
			r.Flushed(reports[idx])
			require.Equal(t, i == len(order)-1, r.IsComplete(key), "order %v after %d reports", order, i+1)
		}
	}
}

func TestIncompleteWithoutExpectation(t *testing.T) {
	r := New[string](1, (&emitted{}).emit, nil)
	key := threePartitions(1)

	r.Flushed(Histogram{"p0": 1})
	require.False(t, r.IsComplete(key))

	// A state which expects nothing is complete without any reports.
	empty := StateKey{Ordinal: 2, Partitions: []PartitionKey{"q0"}}
	require.NoError(t, r.SetExpected(empty, 0))
	require.True(t, r.IsComplete(empty))

	require.NoError(t, r.SetExpected(key, 3))
	require.NoError(t, r.SetExpected(key, 3))
	require.ErrorIs(t, r.SetExpected(key, 4), cerrors.ErrGuard)
}

func TestReconcileEmitsGapFreePrefix(t *testing.T) {
	ctx := context.Background()
	var out emitted
	r := New[string](1, out.emit, nil)

	k1 := StateKey{Ordinal: 1, Partitions: []PartitionKey{"1/a", "1/b"}}
	k2 := StateKey{Ordinal: 2, Partitions: []PartitionKey{"2/a"}}
	k3 := StateKey{Ordinal: 3, Partitions: []PartitionKey{"3/a", "3/b"}}

	// States arrive out of order, and state 2 arrives last.
	require.NoError(t, r.Add(k3, "three"))
	require.NoError(t, r.Add(k1, "one"))
	require.NoError(t, r.SetExpected(k1, 4))
	require.NoError(t, r.SetExpected(k3, 2))
	r.Flushed(Histogram{"3/a": 1, "3/b": 1, "1/a": 2})

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	r.Flushed(Histogram{"1/b": 2})
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{1}, out.ordinals)

	// State 3 is complete, but can't pass the missing state 2.
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, r.Add(k2, "two"))
	require.NoError(t, r.SetExpected(k2, 1))
	r.Flushed(Histogram{"2/a": 1})

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{1, 2, 3}, out.ordinals)
	require.Equal(t, []string{"one", "two", "three"}, out.payloads)
	require.Zero(t, r.Pending())

	// Emitted states are forgotten.
	require.False(t, r.IsComplete(k1))
	require.ErrorIs(t, r.Add(k2, "again"), cerrors.ErrOrdering)
}

func TestAddRejectsDuplicateOrdinal(t *testing.T) {
	r := New[string](1, (&emitted{}).emit, nil)
	require.NoError(t, r.Add(threePartitions(4), "a"))
	require.ErrorIs(t, r.Add(threePartitions(4), "b"), cerrors.ErrOrdering)
	require.Equal(t, 1, r.Pending())
}

func TestRemoveClearsOnlyItsKey(t *testing.T) {
	r := New[string](1, (&emitted{}).emit, nil)
	a := StateKey{Ordinal: 1, Partitions: []PartitionKey{"a0", "a1"}}
	b := StateKey{Ordinal: 2, Partitions: []PartitionKey{"b0"}}

	require.NoError(t, r.SetExpected(a, 2))
	require.NoError(t, r.SetExpected(b, 1))
	r.Flushed(Histogram{"a0": 1, "a1": 1, "b0": 1})
	require.True(t, r.IsComplete(a))
	require.True(t, r.IsComplete(b))

	r.Remove(a)
	require.False(t, r.IsComplete(a))
	require.True(t, r.IsComplete(b))
}

func TestEmitFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var fail = true
	var out emitted

	r := New[string](1, func(ctx context.Context, key StateKey, payload string) error {
		if fail {
			return boom
		}
		return out.emit(ctx, key, payload)
	}, nil)

	k := StateKey{Ordinal: 1, Partitions: []PartitionKey{"p"}}
	require.NoError(t, r.Add(k, "one"))
	require.NoError(t, r.SetExpected(k, 0))

	_, err := r.Reconcile(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, r.Pending())

	fail = false
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRun(t *testing.T) {
	var done = make(chan struct{})
	r := New[string](7, func(context.Context, StateKey, string) error {
		close(done)
		return nil
	}, nil)

	k := StateKey{Ordinal: 7, Partitions: []PartitionKey{"p"}}
	require.NoError(t, r.Add(k, "seven"))
	require.NoError(t, r.SetExpected(k, 2))
	r.Flushed(Histogram{"p": 2})

	ctx, cancel := context.WithCancel(context.Background())
	var result = make(chan error)
	go func() { result <- r.Run(ctx, time.Millisecond) }()

	<-done
	cancel()
	require.NoError(t, <-result)
	require.Zero(t, r.Pending())
}

func TestHistogramMerge(t *testing.T) {
	h := Histogram{"a": 1}
	h.Merge(Histogram{"a": 2, "b": 3})
	h.Merge(Histogram{"b": 1})
	require.Equal(t, Histogram{"a": 3, "b": 4}, h)
	require.Equal(t, int64(7), h.Sum([]PartitionKey{"a", "b", "c"}))
}
