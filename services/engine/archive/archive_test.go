package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"slipway/services/engine/pipeline"
)

type capturedObject struct {
	bucket, key, sha string
	data             []byte
}

type fakeStore struct {
	objects []capturedObject
}

func (s *fakeStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return io.ErrShortWrite
	}
	s.objects = append(s.objects, capturedObject{bucket: bucket, key: key, sha: sha, data: data})
	return nil
}

func archivedRun() *pipeline.Run {
	run := pipeline.NewRun("myapp", 9)
	run.RecordStage(pipeline.StageOutcome{
		Stage: pipeline.StageDeploy, Status: pipeline.StageSucceeded,
		StartedAt: time.Now().Add(-time.Second), FinishedAt: time.Now(),
	})
	run.Finalize(pipeline.StatusSuccess, "")
	return run
}

func TestArchiveRoundTrip(t *testing.T) {
	store := &fakeStore{}
	a := &Archiver{Store: store, Bucket: "slipway-reports", Logger: slog.New(slog.DiscardHandler)}

	run := archivedRun()
	if err := a.Archive(context.Background(), run); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	if len(store.objects) != 1 {
		t.Fatalf("got %d uploads, want 1", len(store.objects))
	}
	obj := store.objects[0]
	if obj.bucket != "slipway-reports" {
		t.Fatalf("bucket = %q", obj.bucket)
	}
	if !strings.HasPrefix(obj.key, "reports/myapp/9-") || !strings.HasSuffix(obj.key, ".json.zst") {
		t.Fatalf("key = %q", obj.key)
	}

	digest := sha256.Sum256(obj.data)
	if obj.sha != hex.EncodeToString(digest[:]) {
		t.Fatal("uploaded checksum does not match payload")
	}

	doc, err := Decode(obj.data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if doc["app"] != "myapp" {
		t.Fatalf("archived app = %v", doc["app"])
	}
	if doc["status"] != string(pipeline.StatusSuccess) {
		t.Fatalf("archived status = %v", doc["status"])
	}
	stages, ok := doc["stages"].([]any)
	if !ok || len(stages) != 1 {
		t.Fatalf("archived stages = %v", doc["stages"])
	}
}

func TestArchiveRejectsUnfinalizedRun(t *testing.T) {
	a := &Archiver{Store: &fakeStore{}, Bucket: "b", Logger: slog.New(slog.DiscardHandler)}
	if err := a.Archive(context.Background(), pipeline.NewRun("myapp", 1)); err == nil {
		t.Fatal("Archive() must refuse runs that are still mutable")
	}
}
