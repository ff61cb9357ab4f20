package history

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"slipway/services/engine/pipeline"
)

func TestRunModelToAPI(t *testing.T) {
	finished := time.Now().UTC()
	model := runModel{
		ID:         uuid.New(),
		App:        "myapp",
		Number:     12,
		Status:     "partial_failure",
		Reason:     "unhealthy: api",
		Commit:     datatypes.JSONMap{"branch": "main"},
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}

	run := model.toAPI()
	if run.ID != model.ID || run.App != "myapp" || run.Number != 12 {
		t.Fatalf("identity lost: %+v", run)
	}
	if run.Status != "partial_failure" || run.Reason != "unhealthy: api" {
		t.Fatalf("outcome lost: %+v", run)
	}
	if run.Commit["branch"] != "main" {
		t.Fatalf("commit metadata lost: %v", run.Commit)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Fatal("finished timestamp lost")
	}
}

func TestStageModelToAPI(t *testing.T) {
	model := stageModel{
		RunID:      uuid.New(),
		Stage:      "deploy",
		Status:     "succeeded",
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
	}
	record := model.toAPI()
	if record.Stage != "deploy" || record.Status != "succeeded" {
		t.Fatalf("conversion lost fields: %+v", record)
	}
}

type fakeRunStore struct {
	started  []pipeline.RunEvent
	finished []pipeline.RunEvent
	stages   []pipeline.StageEvent
}

func (f *fakeRunStore) RecordRunStarted(_ context.Context, evt pipeline.RunEvent) error {
	f.started = append(f.started, evt)
	return nil
}

func (f *fakeRunStore) RecordRunFinished(_ context.Context, evt pipeline.RunEvent) error {
	f.finished = append(f.finished, evt)
	return nil
}

func (f *fakeRunStore) RecordStage(_ context.Context, evt pipeline.StageEvent) error {
	f.stages = append(f.stages, evt)
	return nil
}

func testConsumer(store runStore) *Consumer {
	return &Consumer{store: store, logger: slog.New(slog.DiscardHandler)}
}

func TestConsumerHandlesRunEvents(t *testing.T) {
	store := &fakeRunStore{}
	c := testConsumer(store)
	ctx := context.Background()

	id := uuid.New()
	payload := []byte(`{"run_id":"` + id.String() + `","app":"myapp","number":3,"status":"running","started_at":"2026-08-29T10:00:00Z"}`)
	if err := c.handleRunStarted(ctx, payload); err != nil {
		t.Fatalf("handleRunStarted() error = %v", err)
	}
	if len(store.started) != 1 || store.started[0].RunID != id || store.started[0].App != "myapp" {
		t.Fatalf("event not recorded: %+v", store.started)
	}

	if err := c.handleRunFinished(ctx, payload); err != nil {
		t.Fatalf("handleRunFinished() error = %v", err)
	}
	if len(store.finished) != 1 {
		t.Fatal("finished event not recorded")
	}
}

func TestConsumerHandlesStageEvent(t *testing.T) {
	store := &fakeRunStore{}
	c := testConsumer(store)

	id := uuid.New()
	payload := []byte(`{"run_id":"` + id.String() + `","app":"myapp","stage":"verify","status":"degraded","reason":"unhealthy: api","started_at":"2026-08-29T10:00:00Z","finished_at":"2026-08-29T10:01:30Z"}`)
	if err := c.handleStageFinished(context.Background(), payload); err != nil {
		t.Fatalf("handleStageFinished() error = %v", err)
	}
	if len(store.stages) != 1 {
		t.Fatal("stage not recorded")
	}
	if store.stages[0].Stage != pipeline.StageVerify || store.stages[0].Status != pipeline.StageDegraded {
		t.Fatalf("stage event = %+v", store.stages[0])
	}
}

func TestConsumerRejectsMalformedEvents(t *testing.T) {
	c := testConsumer(&fakeRunStore{})
	ctx := context.Background()

	if err := c.handleRunStarted(ctx, []byte("not json")); err == nil {
		t.Fatal("malformed run event must error so the bus redelivers")
	}
	if err := c.handleStageFinished(ctx, []byte("{")); err == nil {
		t.Fatal("malformed stage event must error")
	}
}

type fakeLinker struct {
	bucket, key string
	err         error
}

func (f *fakeLinker) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return "", f.err
	}
	return "https://store.local/" + bucket + "/" + key + "?sig=abc", nil
}

func TestReportURLForFinishedRun(t *testing.T) {
	linker := &fakeLinker{}
	api, err := NewAPI(&Store{}, linker, "slipway-reports")
	if err != nil {
		t.Fatal(err)
	}

	finished := time.Now().UTC()
	run := Run{ID: uuid.New(), App: "myapp", Number: 9, FinishedAt: &finished}

	url := api.reportURL(context.Background(), run)
	if url == "" {
		t.Fatal("finished run must carry a report link")
	}
	if linker.bucket != "slipway-reports" {
		t.Fatalf("bucket = %q", linker.bucket)
	}
	want := "reports/myapp/9-" + run.ID.String() + ".json.zst"
	if linker.key != want {
		t.Fatalf("key = %q, want %q", linker.key, want)
	}
}

func TestReportURLOmitted(t *testing.T) {
	running := Run{ID: uuid.New(), App: "myapp", Number: 9}

	// Unfinished run: no archive exists yet.
	api, _ := NewAPI(&Store{}, &fakeLinker{}, "slipway-reports")
	if url := api.reportURL(context.Background(), running); url != "" {
		t.Fatalf("running run got a report link: %q", url)
	}

	// No linker configured.
	finished := time.Now().UTC()
	done := Run{ID: uuid.New(), App: "myapp", Number: 9, FinishedAt: &finished}
	api, _ = NewAPI(&Store{}, nil, "")
	if url := api.reportURL(context.Background(), done); url != "" {
		t.Fatalf("unconfigured API got a report link: %q", url)
	}

	// Presign failure degrades to an absent link, not an error response.
	api, _ = NewAPI(&Store{}, &fakeLinker{err: context.DeadlineExceeded}, "slipway-reports")
	if url := api.reportURL(context.Background(), done); url != "" {
		t.Fatalf("failed presign got a report link: %q", url)
	}
}

func TestRouterInputValidation(t *testing.T) {
	api, err := NewAPI(&Store{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	// Only exercise paths that reject the request before touching storage.
	router := api.Routes()

	cases := []struct {
		path string
		want int
	}{
		{"/v1/runs/not-a-uuid", http.StatusBadRequest},
		{"/v1/runs?limit=zero", http.StatusBadRequest},
		{"/v1/runs?limit=-1", http.StatusBadRequest},
		{"/healthz", http.StatusOK},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("GET %s = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
}
