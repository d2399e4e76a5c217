package processes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomyedwab/dailynotes/desktop/endpoint"
)

const (
	// DefaultHealthAttempts is the default probe budget of a HealthGate.
	DefaultHealthAttempts = 30
	// DefaultHealthInterval is the default delay before each probe.
	DefaultHealthInterval = 1 * time.Second
	// DefaultHealthPath is the path probed on the backend.
	DefaultHealthPath = "/api/notes"

	defaultProbeTimeout = 2 * time.Second
)

// Outcome is the resolution of a HealthGate.
type Outcome int

const (
	// OutcomeReady means a probe was classified healthy.
	OutcomeReady Outcome = iota
	// OutcomeTimedOut means the attempt budget was exhausted.
	OutcomeTimedOut
	// OutcomeCancelled means the context was cancelled before resolution.
	OutcomeCancelled
)

// String returns a string representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProbeError describes a single failed liveness probe.
type ProbeError struct {
	URL        string
	StatusCode int   // Zero for transport failures.
	Err        error // Nil when the server answered with an unhealthy status.
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("probe %s returned status %d", e.URL, e.StatusCode)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// IsHealthyStatus classifies an HTTP status. 404 counts as healthy: the
// server is accepting connections and routing requests.
func IsHealthyStatus(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusNotFound
}

// HealthHTTPClient abstracts HTTP operations for health probing.
type HealthHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober performs a single liveness probe. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, ep endpoint.Endpoint) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, ep endpoint.Endpoint) error

// Probe calls f(ctx, ep).
func (f ProberFunc) Probe(ctx context.Context, ep endpoint.Endpoint) error {
	return f(ctx, ep)
}

// HTTPProber implements Prober using HTTP GET requests against a fixed path.
type HTTPProber struct {
	client         HealthHTTPClient
	path           string
	requestTimeout time.Duration
}

// NewHTTPProber creates an HTTPProber. requestTimeout bounds each probe.
func NewHTTPProber(path string, requestTimeout time.Duration) *HTTPProber {
	if requestTimeout <= 0 {
		requestTimeout = defaultProbeTimeout
	}
	return NewHTTPProberWithClient(path, requestTimeout, &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	})
}

// NewHTTPProberWithClient creates an HTTPProber with a custom client.
func NewHTTPProberWithClient(path string, requestTimeout time.Duration, client HealthHTTPClient) *HTTPProber {
	if path == "" {
		path = DefaultHealthPath
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultProbeTimeout
	}
	return &HTTPProber{
		client:         client,
		path:           path,
		requestTimeout: requestTimeout,
	}
}

// Probe issues GET <endpoint><path> and classifies the response.
func (p *HTTPProber) Probe(ctx context.Context, ep endpoint.Endpoint) error {
	url := ep.URL() + p.path

	probeCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return &ProbeError{URL: url, Err: fmt.Errorf("failed to create probe request: %w", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Network error, timeout, connection refused, etc.
		return &ProbeError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if IsHealthyStatus(resp.StatusCode) {
		return nil
	}
	return &ProbeError{URL: url, StatusCode: resp.StatusCode}
}

// HealthResult summarizes a HealthGate run.
type HealthResult struct {
	Outcome   Outcome
	Attempts  int // Number of probes issued.
	Elapsed   time.Duration
	LastError error // Last probe failure, if any.
}

// HealthGateConfig holds configuration options for the HealthGate.
type HealthGateConfig struct {
	Prober  Prober           // Optional, defaults to an HTTPProber on DefaultHealthPath
	Logger  *slog.Logger     // Optional, defaults to slog.Default()
	Metrics MetricsCollector // Optional
}

// HealthGate polls a liveness probe on a bounded schedule.
type HealthGate struct {
	prober  Prober
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewHealthGate creates a new HealthGate.
func NewHealthGate(config HealthGateConfig) *HealthGate {
	prober := config.Prober
	if prober == nil {
		prober = NewHTTPProber(DefaultHealthPath, defaultProbeTimeout)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	return &HealthGate{
		prober:  prober,
		logger:  logger.With("component", "HealthGate"),
		metrics: metrics,
	}
}

// WaitUntilReady probes ep up to maxAttempts times, sleeping interval before
// every probe (including the first). It resolves with OutcomeReady on the
// first healthy probe and never probes again afterwards. Exhausting the budget
// yields OutcomeTimedOut, which is not an error. The error is non-nil only when
// ctx is cancelled.
func (g *HealthGate) WaitUntilReady(ctx context.Context, ep endpoint.Endpoint, maxAttempts int, interval time.Duration) (HealthResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultHealthAttempts
	}
	if interval < 0 {
		interval = DefaultHealthInterval
	}

	schedule := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts))
	start := time.Now()
	result := HealthResult{}

	g.logger.Info("Waiting for backend to become ready", "url", ep.URL(), "maxAttempts", maxAttempts, "interval", interval)

	for {
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			result.Outcome = OutcomeTimedOut
			result.Elapsed = time.Since(start)
			g.metrics.HealthGateResolved(result.Outcome, result.Attempts, result.Elapsed)
			g.logger.Warn("Backend did not become ready, continuing startup", "url", ep.URL(), "attempts", result.Attempts, "elapsed", result.Elapsed, "lastError", result.LastError)
			return result, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return g.cancelled(ctx, result, start)
		case <-timer.C:
		}

		result.Attempts++
		probeStart := time.Now()
		err := g.prober.Probe(ctx, ep)
		g.metrics.ProbeAttempt(err == nil, time.Since(probeStart))

		if err == nil {
			result.Outcome = OutcomeReady
			result.Elapsed = time.Since(start)
			g.metrics.HealthGateResolved(result.Outcome, result.Attempts, result.Elapsed)
			g.logger.Info("Backend is ready", "url", ep.URL(), "attempts", result.Attempts, "elapsed", result.Elapsed)
			return result, nil
		}

		result.LastError = err
		if ctx.Err() != nil {
			return g.cancelled(ctx, result, start)
		}
		g.logger.Debug("Backend not ready yet", "url", ep.URL(), "attempt", result.Attempts, "maxAttempts", maxAttempts, "error", err)
	}
}

func (g *HealthGate) cancelled(ctx context.Context, result HealthResult, start time.Time) (HealthResult, error) {
	result.Outcome = OutcomeCancelled
	result.Elapsed = time.Since(start)
	g.metrics.HealthGateResolved(result.Outcome, result.Attempts, result.Elapsed)
	g.logger.Info("Health gate cancelled", "attempts", result.Attempts, "error", ctx.Err())
	return result, ctx.Err()
}
