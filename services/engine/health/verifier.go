// Package health polls service endpoints over HTTP until they report healthy
// or their wait budget runs out. Health here is advisory: an unhealthy
// service degrades the run's final status but never aborts it.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultPollInterval = 3 * time.Second
	requestTimeout      = 5 * time.Second
)

// Outcome classifies one service's verification.
type Outcome string

const (
	Healthy   Outcome = "healthy"
	Unhealthy Outcome = "unhealthy"
)

// CheckSpec describes one endpoint to verify. It is a value object.
type CheckSpec struct {
	Service string
	URL     string
	// Expect decides whether a status code counts as healthy. Nil means any
	// 2xx.
	Expect func(status int) bool
	// PollInterval is the delay between probes.
	PollInterval time.Duration
	// MaxWait bounds polling after the settle delay. Zero means a single
	// probe.
	MaxWait time.Duration
	// SettleDelay is the fixed wait before the first probe, covering process
	// startup latency.
	SettleDelay time.Duration
}

// Verifier polls endpoints concurrently, one goroutine per service, each
// writing into its own pre-allocated slot. No completion order is guaranteed
// between services.
type Verifier struct {
	Client *http.Client
	Logger *slog.Logger
}

// Verify returns an outcome per service name. It blocks until every check has
// concluded or ctx is cancelled; cancellation marks unresolved services
// unhealthy.
func (v *Verifier) Verify(ctx context.Context, specs []CheckSpec) map[string]Outcome {
	slots := make([]Outcome, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(slot int, spec CheckSpec) {
			defer wg.Done()
			slots[slot] = v.verifyOne(ctx, spec)
		}(i, spec)
	}
	wg.Wait()

	out := make(map[string]Outcome, len(specs))
	for i, spec := range specs {
		out[spec.Service] = slots[i]
	}
	return out
}

func (v *Verifier) verifyOne(ctx context.Context, spec CheckSpec) Outcome {
	logger := v.logger().With("service", spec.Service, "url", spec.URL)

	settle := spec.SettleDelay
	if settle < 0 {
		settle = 0
	}
	if !sleepCtx(ctx, settle) {
		logger.Warn("verification cancelled before first probe")
		return Unhealthy
	}

	interval := spec.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.Now().Add(spec.MaxWait)
	for attempt := 1; ; attempt++ {
		if v.probe(ctx, spec) {
			logger.Info("service healthy", "attempts", attempt)
			return Healthy
		}
		if ctx.Err() != nil || !time.Now().Add(interval).Before(deadline) {
			logger.Warn("service unhealthy", "attempts", attempt, "max_wait", spec.MaxWait)
			return Unhealthy
		}
		if !sleepCtx(ctx, interval) {
			logger.Warn("service unhealthy", "attempts", attempt, "reason", "cancelled")
			return Unhealthy
		}
	}
}

func (v *Verifier) probe(ctx context.Context, spec CheckSpec) bool {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return false
	}
	resp, err := v.client().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if spec.Expect != nil {
		return spec.Expect(resp.StatusCode)
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// AllHealthy reports whether every outcome is Healthy.
func AllHealthy(outcomes map[string]Outcome) bool {
	for _, o := range outcomes {
		if o != Healthy {
			return false
		}
	}
	return true
}

// UnhealthyServices lists services that failed verification, for report text.
func UnhealthyServices(outcomes map[string]Outcome) []string {
	var names []string
	for name, o := range outcomes {
		if o != Healthy {
			names = append(names, name)
		}
	}
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (v *Verifier) client() *http.Client {
	if v.Client != nil {
		return v.Client
	}
	return http.DefaultClient
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}
