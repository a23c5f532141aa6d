package reservation

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/stretchr/testify/require"
)

func TestReserveWaitsForCapacity(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(100)

	first, err := pool.Reserve(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), pool.Used())

	var gotSecond = make(chan *Reservation)
	go func() {
		r, err := pool.Reserve(ctx, 1)
		require.NoError(t, err)
		gotSecond <- r
	}()

	select {
	case <-gotSecond:
		t.Fatal("reservation should not proceed while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, int64(1), first.ReleasePartial(1))
	second := <-gotSecond
	require.Equal(t, int64(100), pool.Used())

	first.Release()
	second.Release()
	require.Equal(t, int64(0), pool.Used())
}

func TestReserveMoreThanTotalFailsImmediately(t *testing.T) {
	pool := NewPool(10)

	_, err := pool.Reserve(context.Background(), 11)
	require.ErrorIs(t, err, cerrors.ErrCapacity)
	require.Equal(t, int64(0), pool.Used())

	_, err = pool.Reserve(context.Background(), -1)
	require.Error(t, err)
}

func TestReserveCancelled(t *testing.T) {
	pool := NewPool(10)
	held, err := pool.Reserve(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Reserve(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(10), pool.Used())

	held.Release()
	require.Equal(t, int64(0), pool.Used())

	// Capacity abandoned by the cancelled waiter is still usable.
	r, err := pool.Reserve(context.Background(), 10)
	require.NoError(t, err)
	r.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(50)
	r, err := pool.Reserve(context.Background(), 20)
	require.NoError(t, err)

	r.Release()
	r.Release()
	require.True(t, r.Released())
	require.Equal(t, int64(0), r.Bytes())
	require.Equal(t, int64(0), pool.Used())
	require.Equal(t, int64(0), r.ReleasePartial(5))

	r, err = pool.Reserve(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, int64(15), r.ReleasePartial(15))
	require.Equal(t, int64(5), r.ReleasePartial(15))
	require.True(t, r.Released())
	r.Release()
	require.Equal(t, int64(0), pool.Used())
}

func TestReplaceSharesDebt(t *testing.T) {
	pool := NewPool(50)

	raw, err := ReserveValue(context.Background(), pool, 30, []byte(`{"id":1}`))
	require.NoError(t, err)

	parsed := Replace(raw, map[string]int{"id": 1})
	require.Equal(t, int64(30), parsed.Bytes())
	require.Equal(t, 1, parsed.Value["id"])

	parsed.Release()
	raw.Release() // The error cleanup path may also release; it must not double-count.
	require.Equal(t, int64(0), pool.Used())
	require.Equal(t, int64(50), pool.Available())
}

func TestConcurrentReservationsConserveBytes(t *testing.T) {
	const total = 1000
	pool := NewPool(total)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			var rnd = rand.New(rand.NewSource(seed))

			for i := 0; i < 200; i++ {
				r, err := pool.Reserve(context.Background(), rnd.Int63n(300)+1)
				require.NoError(t, err)

				used := pool.Used()
				require.LessOrEqual(t, used, int64(total))
				require.GreaterOrEqual(t, used, r.Bytes())

				if i%2 == 0 {
					r.ReleasePartial(r.Bytes() / 2)
				}
				r.Release()
				r.Release()
			}
		}(int64(w))
	}
	wg.Wait()

	require.Equal(t, int64(0), pool.Used())
}

func TestWaitHookLetsHoldersRelease(t *testing.T) {
	var hooked = make(chan struct{}, 1)

	pool := NewPool(10, WithWaitHook(func() {
		hooked <- struct{}{}
	}))
	held, err := pool.Reserve(context.Background(), 8)
	require.NoError(t, err)

	// Reservations which fit don't call the hook.
	small, err := pool.Reserve(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, hooked)
	require.Zero(t, pool.Waiting())

	var got = make(chan *Reservation)
	go func() {
		r, err := pool.Reserve(context.Background(), 5)
		require.NoError(t, err)
		got <- r
	}()

	<-hooked
	require.Eventually(t, func() bool { return pool.Waiting() == 1 }, time.Second, time.Millisecond)
	held.Release()

	r := <-got
	require.Zero(t, pool.Waiting())
	require.Equal(t, int64(7), pool.Used())

	r.Release()
	small.Release()
	require.Zero(t, pool.Used())
}
