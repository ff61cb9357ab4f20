package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"slipway/pkg/render"
	"slipway/services/engine/pipeline"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func renderer(t *testing.T) *render.Engine {
	t.Helper()
	e, err := render.New()
	if err != nil {
		t.Fatalf("render.New() error = %v", err)
	}
	return e
}

func finishedRun() *pipeline.Run {
	run := pipeline.NewRun("myapp", 42)
	run.Commit = pipeline.CommitInfo{
		Branch:     "main",
		Commit:     "0123456789abcdef",
		ConsoleURL: "https://ci.example.com/myapp/42/console",
	}
	run.RecordStage(pipeline.StageOutcome{
		Stage: pipeline.StageBuild, Status: pipeline.StageSucceeded,
		StartedAt: time.Now().Add(-time.Minute), FinishedAt: time.Now(),
	})
	run.RecordStage(pipeline.StageOutcome{
		Stage: pipeline.StageDeploy, Status: pipeline.StageFailed, Reason: "launch exit 1",
		StartedAt: time.Now(), FinishedAt: time.Now(),
	})
	run.Status = pipeline.StatusFailed
	run.Reason = "deployment launch failed"
	return run
}

func TestReportDeliversStructuredMessage(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("payload is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &Reporter{WebhookURL: srv.URL, Channel: "#deploys", Logger: discard(), Renderer: renderer(t)}
	if outcome := r.Report(context.Background(), finishedRun()); outcome != pipeline.DeliveryDelivered {
		t.Fatalf("Report() = %s, want delivered", outcome)
	}

	if got.Channel != "#deploys" {
		t.Fatalf("channel = %q", got.Channel)
	}
	for _, want := range []string{"FAILED", "myapp #42", "main", "01234567", "first failing stage: deploy", "console"} {
		if !strings.Contains(got.Text, want) {
			t.Fatalf("report text missing %q:\n%s", want, got.Text)
		}
	}
	if strings.Contains(got.Text, "0123456789abcdef") {
		t.Fatal("commit hash should be abbreviated")
	}
}

func TestReportFallsBackOnce(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &Reporter{WebhookURL: srv.URL, Logger: discard(), Renderer: renderer(t)}
	if outcome := r.Report(context.Background(), finishedRun()); outcome != pipeline.DeliveryDegraded {
		t.Fatalf("Report() = %s, want degraded", outcome)
	}
	if calls.Load() != 2 {
		t.Fatalf("webhook called %d times, want 2", calls.Load())
	}
	// The fallback is the minimal tier: status, identity, URL only.
	if strings.Contains(bodies[1], "first failing stage") {
		t.Fatalf("fallback carried the full report: %s", bodies[1])
	}
}

func TestReportNeverFailsThePipeline(t *testing.T) {
	run := pipeline.NewRun("myapp", 7) // no commit metadata at all
	run.Status = pipeline.StatusSuccess

	r := &Reporter{WebhookURL: "http://127.0.0.1:1/webhook", Logger: discard(), Renderer: renderer(t)}
	if outcome := r.Report(context.Background(), run); outcome != pipeline.DeliveryFailed {
		t.Fatalf("Report() = %s, want failed", outcome)
	}
}

func TestReportWithoutConfiguredWebhook(t *testing.T) {
	r := &Reporter{Logger: discard(), Renderer: renderer(t)}
	if outcome := r.Report(context.Background(), finishedRun()); outcome != pipeline.DeliveryFailed {
		t.Fatalf("Report() = %s, want failed", outcome)
	}
}
