package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/destination"
	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/protocol"
	"github.com/estuary/loadcore/go/schedule"
	"github.com/estuary/loadcore/go/stream"
	"github.com/estuary/loadcore/go/syncmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	users  = stream.Key{Namespace: "public", Name: "users"}
	orders = stream.Key{Namespace: "public", Name: "orders"}
)

func lines(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func record(key, doc string) string {
	return `{"record":{"stream":` + key + `,"data":` + doc + `}}`
}

const (
	usersKey  = `{"namespace":"public","name":"users"}`
	ordersKey = `{"namespace":"public","name":"orders"}`
)

func runSync(t *testing.T, input string, shards int) (*bytes.Buffer, Options, bool, error) {
	return runSyncWith(t, input, func(opts *Options) { opts.Destination.Shards = shards })
}

func runSyncWith(t *testing.T, input string, configure func(*Options)) (*bytes.Buffer, Options, bool, error) {
	t.Helper()
	var out bytes.Buffer
	opts := Options{
		RunID:   "test",
		Streams: []stream.Key{users, orders},
		Input:   strings.NewReader(input),
		Output:  &out,
		Destination: destination.Config{
			Dir:            t.TempDir(),
			Shards:         1,
			PartitionField: "id",
			BatchRecords:   2,
		},
		MemoryBytes:   1 << 20,
		QueueSize:     4,
		FlushSchedule: schedule.NewPeriodicSchedule(5 * time.Millisecond),
		DrainAttempts: 500,
		DrainDelay:    5 * time.Millisecond,
	}
	configure(&opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := Run(ctx, opts)
	return &out, opts, res.Succeeded(), err
}

func decodeOutput(t *testing.T, out *bytes.Buffer) []protocol.CheckpointOutput {
	t.Helper()
	var got []protocol.CheckpointOutput
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var cp protocol.CheckpointOutput
		require.NoError(t, json.Unmarshal([]byte(line), &cp))
		got = append(got, cp)
	}
	return got
}

func TestStreamCheckpointsEndToEnd(t *testing.T) {
	input := lines(
		record(usersKey, `{"id":1}`),
		record(usersKey, `{"id":2}`),
		record(ordersKey, `{"id":10}`),
		`{"checkpoint":{"type":"STREAM","stream":`+usersKey+`,"data":{"cursor":2}}}`,
		record(usersKey, `{"id":3}`),
		`{"checkpoint":{"type":"STREAM","stream":`+ordersKey+`,"data":{"cursor":10}}}`,
		`{"checkpoint":{"type":"STREAM","stream":`+usersKey+`,"data":{"cursor":3}}}`,
		`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
		`{"streamStatus":{"stream":`+ordersKey+`,"status":"COMPLETE"}}`,
	)

	for _, shards := range []int{1, 3} {
		out, opts, ok, err := runSync(t, input, shards)
		require.NoError(t, err)
		require.True(t, ok)

		var byStream = make(map[string][]string)
		for _, cp := range decodeOutput(t, out) {
			require.Equal(t, protocol.CheckpointStream, cp.Type)
			require.Len(t, cp.Streams, 1)
			byStream[cp.Streams[0].Key.String()] = append(byStream[cp.Streams[0].Key.String()], string(cp.Data))
		}
		require.Equal(t, map[string][]string{
			"public.users":  {`{"cursor":2}`, `{"cursor":3}`},
			"public.orders": {`{"cursor":10}`},
		}, byStream)

		d, err := destination.New(opts.Destination, nil, nil)
		require.NoError(t, err)
		entries, err := destination.ReadManifest(d.ManifestPath(users))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, int64(2), entries[0].Records)
		require.Equal(t, int64(1), entries[1].Records)
	}
}

func TestGlobalCheckpointsEndToEnd(t *testing.T) {
	input := lines(
		record(usersKey, `{"id":1}`),
		record(ordersKey, `{"id":10}`),
		`{"checkpoint":{"type":"GLOBAL","data":{"lsn":1}}}`,
		record(ordersKey, `{"id":11}`),
		`{"checkpoint":{"type":"GLOBAL","data":{"lsn":2}}}`,
		`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
		`{"streamStatus":{"stream":`+ordersKey+`,"status":"INCOMPLETE"}}`,
	)

	out, _, ok, err := runSync(t, input, 2)
	require.NoError(t, err)
	require.True(t, ok)

	got := decodeOutput(t, out)
	require.Len(t, got, 2)
	require.Equal(t, `{"lsn":1}`, string(got[0].Data))
	require.Equal(t, map[string]int64{"public.users": 1, "public.orders": 1}, got[0].Records)
	require.Equal(t, `{"lsn":2}`, string(got[1].Data))
	require.Equal(t, map[string]int64{"public.users": 0, "public.orders": 1}, got[1].Records)
	require.Equal(t, protocol.CheckpointGlobal, got[1].Type)
}

func TestFatalErrors(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input string
		kind  error
	}{
		{
			name: "mixed checkpoint modes",
			input: lines(
				`{"checkpoint":{"type":"STREAM","stream":`+usersKey+`,"data":{}}}`,
				`{"checkpoint":{"type":"GLOBAL","data":{}}}`,
			),
			kind: cerrors.ErrOrdering,
		},
		{
			name: "missing end of stream",
			input: lines(
				record(usersKey, `{"id":1}`),
				`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
			),
			kind: cerrors.ErrGuard,
		},
		{
			name: "record after end of stream",
			input: lines(
				`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
				record(usersKey, `{"id":1}`),
			),
			kind: cerrors.ErrGuard,
		},
		{
			name:  "unknown stream",
			input: lines(record(`{"name":"nope"}`, `{"id":1}`)),
			kind:  cerrors.ErrGuard,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok, err := runSync(t, tt.input, 2)
			require.ErrorIs(t, err, tt.kind)
			require.False(t, ok)
		})
	}
}

func TestRunValidatesOptions(t *testing.T) {
	_, err := Run(context.Background(), Options{Streams: []stream.Key{users}})
	require.EqualError(t, err, "memory budget must be positive, not 0")
}

func TestSmallMemoryBudgetFlushesBufferedRecords(t *testing.T) {
	var ls []string
	for i := 0; i < 50; i++ {
		ls = append(ls, record(usersKey, fmt.Sprintf(`{"id":%d,"name":"user number %02d"}`, i, i)))
	}
	ls = append(ls,
		`{"checkpoint":{"type":"STREAM","stream":`+usersKey+`,"data":{"cursor":50}}}`,
		`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
		`{"streamStatus":{"stream":`+ordersKey+`,"status":"COMPLETE"}}`,
	)

	m := metrics.New(prometheus.NewRegistry())
	// The budget holds about a dozen records, far fewer than a batch, and no
	// checkpoint is pending until every record was read.
	out, _, ok, err := runSyncWith(t, lines(ls...), func(opts *Options) {
		opts.MemoryBytes = 1024
		opts.Destination.BatchRecords = 1000
		opts.FlushSchedule = schedule.NewPeriodicSchedule(time.Hour)
		opts.Metrics = m
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, testutil.ToFloat64(m.CapacityWaits), float64(0))
	require.Zero(t, testutil.ToFloat64(m.ReservedBytes))

	got := decodeOutput(t, out)
	require.Len(t, got, 1)
	require.Equal(t, `{"cursor":50}`, string(got[0].Data))
	require.Equal(t, map[string]int64{"public.users": 50}, got[0].Records)
}

func TestFailedStreamReportsUnemittedCheckpoints(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	input := lines(
		record(usersKey, `{"id":1}`),
		record(ordersKey, `{"id":10}`),
		`{"checkpoint":{"type":"STREAM","stream":`+usersKey+`,"data":{"cursor":1}}}`,
		`{"checkpoint":{"type":"STREAM","stream":`+ordersKey+`,"data":{"cursor":10}}}`,
		`{"streamStatus":{"stream":`+usersKey+`,"status":"COMPLETE"}}`,
		`{"streamStatus":{"stream":`+ordersKey+`,"status":"COMPLETE"}}`,
	)

	out, _, ok, err := runSyncWith(t, input, func(opts *Options) {
		// A directory in place of the first file of users fails that stream.
		var blocked = filepath.Join(opts.Destination.Dir, "public", "users", "test-000-000000.jsonl")
		require.NoError(t, os.MkdirAll(blocked, 0o755))
	})
	require.NoError(t, err)
	require.False(t, ok)

	got := decodeOutput(t, out)
	require.Len(t, got, 1)
	require.Equal(t, `{"cursor":10}`, string(got[0].Data))

	var warned *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "streams failed, leaving their pending checkpoints unemitted" {
			warned = e
		}
	}
	require.NotNil(t, warned)
	require.Equal(t, logrus.WarnLevel, warned.Level)
	require.Equal(t, 1, warned.Data["pending"])
	require.Equal(t, []string{"public.users"}, warned.Data["failed"])
	require.Equal(t, map[string]stream.CheckpointIndex{"public.users": 1}, warned.Data["nextIndexes"])
}

func TestCloseLoadersReportsEveryFailure(t *testing.T) {
	sm, err := syncmanager.New([]stream.Key{users, orders})
	require.NoError(t, err)

	var closed = make(chan stream.Key, 2)
	require.NoError(t, sm.RegisterStreamLoader(users, syncmanager.StreamLoaderFunc(func(context.Context, error) error {
		closed <- users
		return errors.New("disk gone")
	})))
	require.NoError(t, sm.RegisterStreamLoader(orders, syncmanager.StreamLoaderFunc(func(context.Context, error) error {
		closed <- orders
		panic("closing orders")
	})))

	err = closeLoaders(context.Background(), sm)
	require.ErrorContains(t, err, "closing loader of stream public.users: disk gone")
	require.ErrorContains(t, err, "closing loader of stream public.orders: operation had an internal panic: closing orders")
	require.ElementsMatch(t, []stream.Key{users, orders}, []stream.Key{<-closed, <-closed})

	sm, err = syncmanager.New([]stream.Key{users})
	require.NoError(t, err)
	require.NoError(t, closeLoaders(context.Background(), sm))
}
