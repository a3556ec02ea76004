package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// Readiness Probe
// =============================================================================

var (
	// ErrProbeTimeout is returned when the endpoint never turns ready
	// before the deadline.
	ErrProbeTimeout = errors.New("probe deadline exceeded")

	// ErrProbeBadStatus is returned when the endpoint answers with a
	// non-success status.
	ErrProbeBadStatus = errors.New("probe returned non-success status")
)

// ProbeConfig configures the readiness poll.
type ProbeConfig struct {
	// Interval is the delay between poll attempts.
	Interval time.Duration

	// Deadline is the total time allowed for the endpoint to turn ready.
	Deadline time.Duration

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration
}

// DefaultProbeConfig returns the default poll configuration.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:       500 * time.Millisecond,
		Deadline:       30 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// normalize fills zero fields with defaults.
func (c ProbeConfig) normalize() ProbeConfig {
	def := DefaultProbeConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

// Probe polls url with GET until it answers with a 2xx status or the
// deadline passes. An active poll replaces the fixed startup sleep: it is
// faster when the process is ready early and more robust when it is slow.
func Probe(ctx context.Context, url string, cfg ProbeConfig) error {
	cfg = cfg.normalize()

	client := &http.Client{Timeout: cfg.RequestTimeout}

	deadline := time.Now().Add(cfg.Deadline)
	probeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for {
		lastErr = probeOnce(probeCtx, client, url)
		if lastErr == nil {
			return nil
		}

		select {
		case <-probeCtx.Done():
			return fmt.Errorf("%w: last attempt: %v", ErrProbeTimeout, lastErr)
		case <-time.After(cfg.Interval):
		}
	}
}

// probeOnce issues a single GET and reports whether it succeeded.
func probeOnce(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrProbeBadStatus, resp.StatusCode)
	}
	return nil
}
