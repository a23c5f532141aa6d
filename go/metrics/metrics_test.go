package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ReservedBytes.Set(42)
	m.CheckpointsEmitted.WithLabelValues("stream").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "loadcore_reserved_bytes 42")
	require.Contains(t, string(body), `loadcore_checkpoints_emitted_total{mode="stream"} 1`)
}

func TestOrDiscard(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.Same(t, m, OrDiscard(m))

	// Independent registries never collide on registration.
	a, b := OrDiscard(nil), OrDiscard(nil)
	a.CapacityWaits.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(a.CapacityWaits))
	require.Equal(t, float64(0), testutil.ToFloat64(b.CapacityWaits))
}
