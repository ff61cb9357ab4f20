package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"slipway/pkg/proc"
	"slipway/services/engine/artifact"
	"slipway/services/engine/deploy"
	"slipway/services/engine/health"
)

// DeliveryOutcome classifies how a run's notification was delivered.
type DeliveryOutcome string

const (
	// DeliveryDelivered means the full structured report went out.
	DeliveryDelivered DeliveryOutcome = "delivered"
	// DeliveryDegraded means only the minimal fallback message went out.
	DeliveryDegraded DeliveryOutcome = "degraded"
	// DeliveryFailed means both attempts failed; the failure was logged and
	// swallowed.
	DeliveryFailed DeliveryOutcome = "failed"
)

// Notifier delivers the final report. Implementations never return an error:
// notification failure must not fail the pipeline.
type Notifier interface {
	Report(ctx context.Context, run *Run) DeliveryOutcome
}

// Builder produces image artifacts for the package stage.
type Builder interface {
	Build(ctx context.Context, specs []artifact.BuildSpec) []artifact.Result
}

// Deployer rolls the application out and tears it down on rollback.
type Deployer interface {
	Deploy(ctx context.Context, services []deploy.Service, cfg deploy.Config) ([]deploy.Service, error)
	Teardown(ctx context.Context, cfg deploy.Config) error
}

// Verifier checks service health after launch.
type Verifier interface {
	Verify(ctx context.Context, specs []health.CheckSpec) map[string]health.Outcome
}

// EventSink receives run lifecycle events. Implementations must tolerate
// being called from the sequencing path; publish errors are the sink's
// problem to log.
type EventSink interface {
	RunStarted(ctx context.Context, run *Run)
	StageFinished(ctx context.Context, run *Run, outcome StageOutcome)
	RunFinished(ctx context.Context, run *Run)
}

// Recorder observes run and stage outcomes for metrics.
type Recorder interface {
	ObserveStage(stage Stage, status StageStatus, d time.Duration)
	ObserveRun(status Status, d time.Duration)
}

// Policy makes the source pipelines' implicit failure handling explicit.
type Policy struct {
	// TestFailureFatal aborts the run when the build stage's test command
	// exits nonzero. Default false: test failures degrade, they don't abort.
	TestFailureFatal bool
	// BuildFailureFatal aborts the run when any artifact fails to build.
	// Default true: deploying with a missing artifact is never acceptable.
	BuildFailureFatal bool
}

// DefaultPolicy matches the documented defaults.
func DefaultPolicy() Policy {
	return Policy{TestFailureFatal: false, BuildFailureFatal: true}
}

// errRunDeadline marks cancellation caused by the plan's own timeout, so it
// can be told apart from an operator interrupt on the parent context.
var errRunDeadline = errors.New("run deadline exceeded")

// CommandSpec is a tool invocation executed during the checkout or build
// stages, relative to the plan workspace.
type CommandSpec struct {
	Program string
	Args    []string
	Timeout time.Duration
}

// Plan is everything a single run needs. It is assembled by the config layer
// and treated as read-only by the coordinator.
type Plan struct {
	App       string
	Number    int
	Workspace string
	Commit    CommitInfo

	// Checkout commands run first and are fatal on failure.
	Checkout []CommandSpec
	// Install runs during the build stage and is fatal on failure.
	Install []CommandSpec
	// Test runs during the build stage; fatality follows Policy.
	Test []CommandSpec

	Artifacts []artifact.BuildSpec
	Services  []deploy.Service
	Deploy    deploy.Config
	Checks    []health.CheckSpec

	// Timeout bounds the whole run. Zero means no global deadline.
	Timeout time.Duration
	Policy  Policy
}

// Coordinator sequences the pipeline stages. Stages run strictly one at a
// time; parallelism lives inside the artifact builder and health verifier.
type Coordinator struct {
	Logger   *slog.Logger
	Runner   proc.Runner
	Builder  Builder
	Deployer Deployer
	Verifier Verifier
	Notifier Notifier
	// Events and Metrics are optional.
	Events  EventSink
	Metrics Recorder
	// Tracer is optional; a noop tracer is used when nil.
	Tracer trace.Tracer
}

// Execute runs the plan to completion. The returned run is finalized; its
// status carries the outcome. The error is non-nil only for coordinator
// misconfiguration, never for stage failures.
func (c *Coordinator) Execute(ctx context.Context, plan Plan) (*Run, error) {
	if c.Runner == nil || c.Builder == nil || c.Deployer == nil || c.Verifier == nil || c.Notifier == nil {
		return nil, errors.New("coordinator is missing a stage dependency")
	}

	run := NewRun(plan.App, plan.Number)
	run.Commit = plan.Commit
	logger := c.logger().With("run", run.ID, "app", plan.App, "number", plan.Number)

	runCtx := ctx
	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, plan.Timeout, errRunDeadline)
		defer cancel()
	}

	runCtx, runSpan := c.tracer().Start(runCtx, "pipeline.run",
		trace.WithAttributes(attribute.String("app", plan.App), attribute.Int("number", plan.Number)))
	defer runSpan.End()

	if c.Events != nil {
		c.Events.RunStarted(runCtx, run)
	}
	logger.Info("pipeline started", "timeout", plan.Timeout)

	status, reason := c.executeStages(runCtx, run, plan, logger)

	// Notify is unconditional and runs outside the global deadline so a
	// timed-out run still reports. The parent ctx still applies.
	c.notify(ctx, run, status, reason, logger)

	if c.Metrics != nil {
		c.Metrics.ObserveRun(run.Status, run.Duration())
	}
	if c.Events != nil {
		c.Events.RunFinished(ctx, run)
	}
	logger.Info("pipeline finished", "status", run.Status, "reason", run.Reason, "duration", run.Duration())

	return run, nil
}

// executeStages walks Checkout → Build → Package → Deploy → Verify and
// returns the status the run should finalize with.
func (c *Coordinator) executeStages(ctx context.Context, run *Run, plan Plan, logger *slog.Logger) (Status, string) {
	degraded := false

	// Checkout.
	outcome := c.runStage(ctx, run, StageCheckout, func(ctx context.Context) (StageStatus, string) {
		return c.runCommands(ctx, plan.Workspace, plan.Checkout)
	})
	if outcome.Status == StageFailed {
		return c.abort(run, outcome, "source checkout failed")
	}

	// Build: dependency install is fatal, test failures follow policy.
	outcome = c.runStage(ctx, run, StageBuild, func(ctx context.Context) (StageStatus, string) {
		if st, reason := c.runCommands(ctx, plan.Workspace, plan.Install); st == StageFailed {
			return StageFailed, "install: " + reason
		}
		st, reason := c.runCommands(ctx, plan.Workspace, plan.Test)
		if st == StageFailed {
			if plan.Policy.TestFailureFatal {
				return StageFailed, "tests: " + reason
			}
			return StageDegraded, "tests: " + reason
		}
		return StageSucceeded, ""
	})
	switch outcome.Status {
	case StageFailed:
		return c.abort(run, outcome, "build failed")
	case StageDegraded:
		degraded = true
	}

	// Package: artifact builds.
	outcome = c.runStage(ctx, run, StagePackage, func(ctx context.Context) (StageStatus, string) {
		results := c.Builder.Build(ctx, plan.Artifacts)
		if artifact.AnyFailed(results) {
			reason := "artifacts failed: " + strings.Join(artifact.FailedNames(results), ", ")
			if plan.Policy.BuildFailureFatal {
				return StageFailed, reason
			}
			return StageDegraded, reason
		}
		return StageSucceeded, ""
	})
	switch outcome.Status {
	case StageFailed:
		return c.abort(run, outcome, outcome.Reason)
	case StageDegraded:
		degraded = true
	}

	// Deploy: launch failure is fatal and triggers rollback.
	outcome = c.runStage(ctx, run, StageDeploy, func(ctx context.Context) (StageStatus, string) {
		_, err := c.Deployer.Deploy(ctx, plan.Services, plan.Deploy)
		if err != nil {
			if errors.Is(err, deploy.ErrLaunch) {
				c.rollback(ctx, plan, logger)
			}
			return StageFailed, err.Error()
		}
		return StageSucceeded, ""
	})
	if outcome.Status == StageFailed {
		return c.abort(run, outcome, "deployment launch failed")
	}

	// Verify: unhealthy services degrade, never abort.
	outcome = c.runStage(ctx, run, StageVerify, func(ctx context.Context) (StageStatus, string) {
		outcomes := c.Verifier.Verify(ctx, plan.Checks)
		if !health.AllHealthy(outcomes) {
			return StageDegraded, "unhealthy: " + strings.Join(health.UnhealthyServices(outcomes), ", ")
		}
		return StageSucceeded, ""
	})
	switch outcome.Status {
	case StageFailed:
		return c.abort(run, outcome, "verification aborted")
	case StageDegraded:
		return StatusPartialFailure, outcome.Reason
	}

	if degraded {
		return StatusPartialFailure, "completed with warnings"
	}
	return StatusSuccess, ""
}

// runStage executes fn inside a span, records the outcome on the run, and
// converts a fired global deadline into a failed stage with reason "timeout".
// Cancellation from outside the run (operator interrupt, parent deadline) is
// reported as "cancelled" instead.
func (c *Coordinator) runStage(ctx context.Context, run *Run, stage Stage, fn func(context.Context) (StageStatus, string)) StageOutcome {
	ctx, span := c.tracer().Start(ctx, "pipeline.stage."+string(stage))
	defer span.End()

	outcome := StageOutcome{Stage: stage, StartedAt: time.Now().UTC()}
	if ctx.Err() != nil {
		outcome.Status, outcome.Reason = StageFailed, cancelReason(ctx)
	} else {
		outcome.Status, outcome.Reason = fn(ctx)
		if ctx.Err() != nil {
			outcome.Status, outcome.Reason = StageFailed, cancelReason(ctx)
		}
	}
	outcome.FinishedAt = time.Now().UTC()

	run.RecordStage(outcome)
	if c.Metrics != nil {
		c.Metrics.ObserveStage(stage, outcome.Status, outcome.Duration())
	}
	if c.Events != nil {
		c.Events.StageFinished(ctx, run, outcome)
	}
	c.logger().Info("stage finished", "stage", stage, "status", outcome.Status, "reason", outcome.Reason)

	return outcome
}

// runCommands executes specs sequentially; the first nonzero exit or launch
// error fails the batch.
func (c *Coordinator) runCommands(ctx context.Context, dir string, specs []CommandSpec) (StageStatus, string) {
	for _, spec := range specs {
		res, err := c.Runner.Run(ctx, proc.Command{
			Program: spec.Program,
			Args:    spec.Args,
			Dir:     dir,
			Timeout: spec.Timeout,
		})
		if err != nil {
			return StageFailed, err.Error()
		}
		if res.ExitCode != 0 {
			return StageFailed, fmt.Sprintf("%s exited %d", spec.Program, res.ExitCode)
		}
	}
	return StageSucceeded, ""
}

// cancelReason names why a live context died: "timeout" for the plan's own
// deadline, "cancelled" for anything external.
func cancelReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errRunDeadline) {
		return "timeout"
	}
	return "cancelled"
}

// abort maps a failed stage to the run's final status. Stages after the
// failing one are skipped entirely, not recorded as skipped outcomes.
func (c *Coordinator) abort(run *Run, outcome StageOutcome, reason string) (Status, string) {
	if outcome.Reason == "timeout" || outcome.Reason == "cancelled" {
		reason = outcome.Reason
	}
	return StatusFailed, reason
}

// rollback tears the deployment unit down after a failed launch so no
// half-started stack lingers. Best effort only.
func (c *Coordinator) rollback(ctx context.Context, plan Plan, logger *slog.Logger) {
	logger.Warn("rolling back failed deployment")
	if err := c.Deployer.Teardown(ctx, plan.Deploy); err != nil {
		logger.Error("rollback teardown failed", "error", err)
	}
}

// notify delivers the report and finalizes the run. Delivery failures degrade
// nothing: they are logged and swallowed.
func (c *Coordinator) notify(ctx context.Context, run *Run, status Status, reason string, logger *slog.Logger) {
	started := time.Now().UTC()

	// The report must carry the final status, so set it before delivery; the
	// run is frozen only after the notify outcome is on record.
	run.Status = status
	run.Reason = reason

	delivery := c.Notifier.Report(ctx, run)
	stageStatus := StageSucceeded
	if delivery == DeliveryFailed {
		stageStatus = StageDegraded
		logger.Warn("notification delivery failed; continuing", "status", status)
	}

	run.RecordStage(StageOutcome{
		Stage:      StageNotify,
		Status:     stageStatus,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	})
	run.Finalize(status, reason)

	if c.Metrics != nil {
		c.Metrics.ObserveStage(StageNotify, stageStatus, time.Since(started))
	}
}

func (c *Coordinator) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return noop.NewTracerProvider().Tracer("slipway")
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
