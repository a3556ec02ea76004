package smoke

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:       20 * time.Millisecond,
		Deadline:       500 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
	}
}

func TestProbe_ImmediatelyReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Probe(context.Background(), srv.URL, fastProbeConfig())
	assert.NoError(t, err)
}

func TestProbe_ReadyAfterWarmup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Probe(context.Background(), srv.URL, fastProbeConfig())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestProbe_NeverReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	start := time.Now()
	err := Probe(context.Background(), srv.URL, fastProbeConfig())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrProbeTimeout)
	// Bounded by deadline plus one request timeout.
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestProbe_ConnectionRefused(t *testing.T) {
	// A server that is immediately closed leaves a port nothing listens on.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := Probe(context.Background(), url, fastProbeConfig())
	assert.ErrorIs(t, err, ErrProbeTimeout)
}

func TestProbe_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Probe(ctx, srv.URL, fastProbeConfig())
	assert.ErrorIs(t, err, ErrProbeTimeout)
}

func TestProbeConfig_Normalize(t *testing.T) {
	cfg := ProbeConfig{}.normalize()
	def := DefaultProbeConfig()
	assert.Equal(t, def, cfg)

	custom := ProbeConfig{Interval: time.Second}.normalize()
	assert.Equal(t, time.Second, custom.Interval)
	assert.Equal(t, def.Deadline, custom.Deadline)
}
