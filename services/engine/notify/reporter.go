// Package notify delivers run reports to a chat webhook. Delivery is two
// tier: the full structured report first, then a minimal fallback. If both
// fail the error is logged and swallowed, because notification must never
// fail the pipeline it reports on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"slipway/pkg/render"
	"slipway/services/engine/pipeline"
)

const deliveryTimeout = 10 * time.Second

// Reporter posts run reports to a chat webhook endpoint.
type Reporter struct {
	WebhookURL string
	// Channel is the chat channel identifier included in the payload.
	Channel string
	Client  *http.Client
	Logger  *slog.Logger
	// Renderer produces the message bodies; required.
	Renderer *render.Engine
}

type payload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// reportData is the template context for both message tiers.
type reportData struct {
	Run          *pipeline.Run
	FailingStage string
}

// Report implements pipeline.Notifier. It never returns an error and never
// panics, even with no commit metadata and an unreachable endpoint.
func (r *Reporter) Report(ctx context.Context, run *pipeline.Run) pipeline.DeliveryOutcome {
	logger := r.logger().With("run", run.ID, "status", run.Status)

	data := reportData{Run: run}
	if failing, ok := run.FirstFailing(); ok {
		data.FailingStage = string(failing.Stage)
	}

	if err := r.deliver(ctx, "report.tmpl", data); err == nil {
		logger.Info("report delivered")
		return pipeline.DeliveryDelivered
	} else {
		logger.Warn("full report delivery failed, sending fallback", "error", err)
	}

	if err := r.deliver(ctx, "fallback.tmpl", data); err == nil {
		logger.Info("fallback report delivered")
		return pipeline.DeliveryDegraded
	} else {
		// Swallowed: the pipeline outcome stands regardless.
		logger.Error("fallback delivery failed, giving up", "error", err)
	}

	return pipeline.DeliveryFailed
}

func (r *Reporter) deliver(ctx context.Context, template string, data reportData) error {
	if r.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not configured")
	}

	text, err := r.Renderer.Render(template, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", template, err)
	}

	body, err := json.Marshal(payload{Channel: r.Channel, Text: text})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
