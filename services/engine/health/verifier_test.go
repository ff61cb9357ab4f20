package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestVerifyHealthyAndUnhealthyMix(t *testing.T) {
	healthySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthySrv.Close()

	sickSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sickSrv.Close()

	v := &Verifier{Logger: discard()}
	outcomes := v.Verify(context.Background(), []CheckSpec{
		{Service: "api", URL: healthySrv.URL, PollInterval: 10 * time.Millisecond, MaxWait: time.Second},
		{Service: "web", URL: sickSrv.URL, PollInterval: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond},
	})

	if outcomes["api"] != Healthy {
		t.Fatalf("api = %s, want healthy", outcomes["api"])
	}
	if outcomes["web"] != Unhealthy {
		t.Fatalf("web = %s, want unhealthy", outcomes["web"])
	}
	if AllHealthy(outcomes) {
		t.Fatal("AllHealthy() = true with an unhealthy service")
	}
	if got := UnhealthyServices(outcomes); len(got) != 1 || got[0] != "web" {
		t.Fatalf("UnhealthyServices() = %v", got)
	}
}

func TestVerifyEventuallyHealthy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := &Verifier{Logger: discard()}
	outcomes := v.Verify(context.Background(), []CheckSpec{
		{Service: "api", URL: srv.URL, PollInterval: 5 * time.Millisecond, MaxWait: 2 * time.Second},
	})
	if outcomes["api"] != Healthy {
		t.Fatalf("api = %s, want healthy after retries", outcomes["api"])
	}
	if hits.Load() < 3 {
		t.Fatalf("endpoint probed %d times, want at least 3", hits.Load())
	}
}

func TestVerifyZeroMaxWaitSingleProbe(t *testing.T) {
	v := &Verifier{Logger: discard()}

	start := time.Now()
	outcomes := v.Verify(context.Background(), []CheckSpec{{
		Service:     "gone",
		URL:         "http://127.0.0.1:1/health",
		SettleDelay: 20 * time.Millisecond,
		MaxWait:     0,
	}})
	elapsed := time.Since(start)

	if outcomes["gone"] != Unhealthy {
		t.Fatalf("gone = %s, want unhealthy", outcomes["gone"])
	}
	// One probe after the settle delay, no polling loop.
	if elapsed > 3*time.Second {
		t.Fatalf("verification blocked for %s beyond the settle delay", elapsed)
	}
}

func TestVerifyCustomPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := &Verifier{Logger: discard()}
	outcomes := v.Verify(context.Background(), []CheckSpec{{
		Service: "auth",
		URL:     srv.URL,
		Expect:  func(status int) bool { return status == http.StatusUnauthorized },
		MaxWait: 0,
	}})
	if outcomes["auth"] != Healthy {
		t.Fatalf("auth = %s, custom predicate should accept 401", outcomes["auth"])
	}
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := &Verifier{Logger: discard()}
	outcomes := v.Verify(ctx, []CheckSpec{{Service: "api", URL: "http://127.0.0.1:1/", MaxWait: time.Minute}})
	if outcomes["api"] != Unhealthy {
		t.Fatalf("api = %s, cancelled check must resolve unhealthy", outcomes["api"])
	}
}
