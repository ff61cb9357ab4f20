package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"slipway/pkg/bus"
	"slipway/services/engine/pipeline"
)

// runStore is the slice of Store the consumer writes through.
type runStore interface {
	RecordRunStarted(ctx context.Context, evt pipeline.RunEvent) error
	RecordRunFinished(ctx context.Context, evt pipeline.RunEvent) error
	RecordStage(ctx context.Context, evt pipeline.StageEvent) error
}

// Consumer subscribes to the run lifecycle subjects and persists every event.
// Handler errors propagate to the bus layer, which redelivers the message.
type Consumer struct {
	store  runStore
	bus    *bus.Bus
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewConsumer creates a consumer bound to the provided dependencies.
func NewConsumer(store *Store, b *bus.Bus, logger *slog.Logger) (*Consumer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, bus: b, logger: logger}, nil
}

// Start registers the durable subscriptions and begins processing events.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{pipeline.RunStartedSubject, "history-runs-started", c.handleRunStarted},
		{pipeline.StageFinishedSubject, "history-stages", c.handleStageFinished},
		{pipeline.RunFinishedSubject, "history-runs-finished", c.handleRunFinished},
	}

	for _, spec := range specs {
		closer, err := c.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", spec.subject, err)
		}
		c.subsMu.Lock()
		c.subs = append(c.subs, closer)
		c.subsMu.Unlock()
	}

	c.logger.Info("history consumer started")
	return nil
}

// Close drains the subscriptions.
func (c *Consumer) Close() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Close()
	}
	c.subs = nil
}

func (c *Consumer) handleRunStarted(ctx context.Context, data []byte) error {
	evt, err := decodeRunEvent(data)
	if err != nil {
		return err
	}
	if err := c.store.RecordRunStarted(ctx, evt); err != nil {
		return fmt.Errorf("record run started: %w", err)
	}
	c.logger.Info("run recorded", "run", evt.RunID, "app", evt.App, "number", evt.Number)
	return nil
}

func (c *Consumer) handleRunFinished(ctx context.Context, data []byte) error {
	evt, err := decodeRunEvent(data)
	if err != nil {
		return err
	}
	if err := c.store.RecordRunFinished(ctx, evt); err != nil {
		return fmt.Errorf("record run finished: %w", err)
	}
	c.logger.Info("run finished", "run", evt.RunID, "status", evt.Status)
	return nil
}

func (c *Consumer) handleStageFinished(ctx context.Context, data []byte) error {
	var evt pipeline.StageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode stage event: %w", err)
	}
	if err := c.store.RecordStage(ctx, evt); err != nil {
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

func decodeRunEvent(data []byte) (pipeline.RunEvent, error) {
	var evt pipeline.RunEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return pipeline.RunEvent{}, fmt.Errorf("decode run event: %w", err)
	}
	return evt, nil
}
