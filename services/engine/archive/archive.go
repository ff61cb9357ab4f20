// Package archive persists finalized run reports to object storage as
// zstd-compressed JSON documents. Archival is best effort: a failed upload is
// logged and never alters the run outcome.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"slipway/services/engine/pipeline"
)

// ObjectStore is the subset of the S3 client archival needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// Archiver uploads run reports.
type Archiver struct {
	Store  ObjectStore
	Bucket string
	Logger *slog.Logger
}

// document is the archived shape: the run plus its stage outcomes, which the
// Run type keeps unexported.
type document struct {
	*pipeline.Run
	Stages []pipeline.StageOutcome `json:"stages"`
}

// Key returns the object key for a run's report.
func Key(run *pipeline.Run) string {
	return KeyFor(run.App, run.Number, run.ID)
}

// KeyFor builds the report key from raw run identity, for consumers that hold
// a persisted run rather than the live aggregate.
func KeyFor(app string, number int, id uuid.UUID) string {
	return fmt.Sprintf("reports/%s/%d-%s.json.zst", app, number, id)
}

// Archive encodes, compresses, and uploads the run report.
func (a *Archiver) Archive(ctx context.Context, run *pipeline.Run) error {
	if a == nil || a.Store == nil {
		return errors.New("archiver is not configured")
	}
	if a.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	if !run.Finalized() {
		return errors.New("only finalized runs are archived")
	}

	data, err := Encode(run)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(data)
	key := Key(run)
	if err := a.Store.PutObject(ctx, a.Bucket, key, bytes.NewReader(data), int64(len(data)), hex.EncodeToString(digest[:])); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger().Info("run report archived", "run", run.ID, "key", key, "bytes", len(data))
	return nil
}

// Encode marshals the run report and compresses it with zstd.
func Encode(run *pipeline.Run) ([]byte, error) {
	raw, err := json.Marshal(document{Run: run, Stages: run.Stages()})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode, used by tooling that inspects archived reports.
func Decode(data []byte) (map[string]any, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Archiver) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
