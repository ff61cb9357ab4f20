// Package deploy rolls a multi-service application out through a compose
// tool: teardown of the prior deployment, forced cleanup of stale runtime
// units, then launch with configuration injected into the child environment.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"slipway/pkg/proc"
	"slipway/pkg/secrets"
)

// ErrLaunch indicates the compose launch itself failed. It is the only deploy
// error fatal to a run and triggers the coordinator's rollback policy.
var ErrLaunch = errors.New("deployment launch failed")

const (
	defaultTeardownTimeout = 2 * time.Minute
	defaultLaunchTimeout   = 10 * time.Minute
)

// State tracks a service through its rollout.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Service is one independently deployed runtime unit. Instances are mutated
// only by the orchestrator and, for the Running/Unhealthy transition, the
// health verifier.
type Service struct {
	Name string
	// ArtifactRef is the image reference the service should run.
	ArtifactRef string
	// ContainerName is the runtime unit name used for forced cleanup. Empty
	// means no forced cleanup for this service.
	ContainerName string
	State         State
	StartedAt     time.Time
}

// Config carries per-rollout inputs: the compose project, its file, and the
// values injected into the compose subprocess environment. Secrets stay in
// secrets.Env form until the moment of injection and are never logged.
type Config struct {
	// Project is the compose project name, the deployment unit's identity.
	Project string
	// ComposeFile is the compose file path; empty uses the tool default.
	ComposeFile string
	// WorkingDir is where the compose tool runs.
	WorkingDir string
	// Env carries non-secret values such as image tags and service ports.
	Env map[string]string
	// Secrets are injected alongside Env into the child process only.
	Secrets secrets.Env
}

// Orchestrator drives the compose tool.
type Orchestrator struct {
	Runner proc.Runner
	Logger *slog.Logger
	// ComposeBin invokes the orchestration tool, "docker" when empty (the
	// compose subcommand is appended).
	ComposeBin string
	// TeardownTimeout bounds the down/cleanup phases.
	TeardownTimeout time.Duration
	// LaunchTimeout bounds the up phase.
	LaunchTimeout time.Duration
}

// Deploy tears down any prior deployment, force-removes stale units, and
// launches the new rollout. The returned slice is a new copy with updated
// states; on success every service is Starting. The sequence is idempotent:
// repeating it with identical inputs converges to the same states.
func (o *Orchestrator) Deploy(ctx context.Context, services []Service, cfg Config) ([]Service, error) {
	logger := o.logger().With("project", cfg.Project)
	updated := make([]Service, len(services))
	copy(updated, services)

	if cfg.Project == "" {
		return failAll(updated), fmt.Errorf("%w: compose project name is required", ErrLaunch)
	}

	// Teardown: "nothing to stop" is success. The compose tool exits zero in
	// that case; a nonzero exit here still only degrades to forced cleanup.
	if res, err := o.compose(ctx, cfg, o.teardownTimeout(), "down", "--remove-orphans"); err != nil {
		logger.Warn("teardown did not complete", "error", err)
	} else if res.ExitCode != 0 {
		logger.Warn("teardown exited nonzero", "exit_code", res.ExitCode, "stderr", tail(res.Stderr))
	} else {
		logger.Info("prior deployment stopped")
	}
	for i := range updated {
		updated[i].State = StateStopped
	}

	// Forced cleanup catches units a crashed prior run left outside the
	// compose project's tracked state. Failure is logged, never fatal.
	o.removeStale(ctx, updated, logger)

	// Launch with configuration injected into the child environment only.
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	env = cfg.Secrets.Apply(env)

	args := o.composeArgs(cfg, "up", "-d", "--build")
	res, err := o.Runner.Run(ctx, proc.Command{
		Program: o.bin(),
		Args:    args,
		Dir:     cfg.WorkingDir,
		Env:     env,
		Timeout: o.launchTimeout(),
	})
	if err != nil {
		return failAll(updated), fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if res.ExitCode != 0 {
		return failAll(updated), fmt.Errorf("%w: exit code %d: %s", ErrLaunch, res.ExitCode, tail(res.Stderr))
	}

	now := time.Now().UTC()
	for i := range updated {
		updated[i].State = StateStarting
		updated[i].StartedAt = now
	}
	logger.Info("deployment launched", "services", len(updated))

	return updated, nil
}

// Teardown stops the deployment unit. Used directly by the coordinator's
// rollback path after a failed launch.
func (o *Orchestrator) Teardown(ctx context.Context, cfg Config) error {
	res, err := o.compose(ctx, cfg, o.teardownTimeout(), "down", "--remove-orphans")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("teardown exit code %d: %s", res.ExitCode, tail(res.Stderr))
	}
	return nil
}

func (o *Orchestrator) removeStale(ctx context.Context, services []Service, logger *slog.Logger) {
	for _, svc := range services {
		if svc.ContainerName == "" {
			continue
		}
		res, err := o.Runner.Run(ctx, proc.Command{
			Program: o.bin(),
			Args:    []string{"rm", "-f", svc.ContainerName},
			Timeout: o.teardownTimeout(),
		})
		switch {
		case err != nil:
			logger.Warn("stale unit cleanup failed", "container", svc.ContainerName, "error", err)
		case res.ExitCode != 0:
			// Usually "no such container", which is the desired end state.
			logger.Debug("no stale unit to remove", "container", svc.ContainerName)
		default:
			logger.Info("removed stale unit", "container", svc.ContainerName)
		}
	}
}

func (o *Orchestrator) compose(ctx context.Context, cfg Config, timeout time.Duration, args ...string) (proc.Result, error) {
	return o.Runner.Run(ctx, proc.Command{
		Program: o.bin(),
		Args:    o.composeArgs(cfg, args...),
		Dir:     cfg.WorkingDir,
		Timeout: timeout,
	})
}

func (o *Orchestrator) composeArgs(cfg Config, args ...string) []string {
	out := []string{"compose", "-p", cfg.Project}
	if cfg.ComposeFile != "" {
		out = append(out, "-f", cfg.ComposeFile)
	}
	return append(out, args...)
}

func (o *Orchestrator) bin() string {
	if o.ComposeBin != "" {
		return o.ComposeBin
	}
	return "docker"
}

func (o *Orchestrator) teardownTimeout() time.Duration {
	if o.TeardownTimeout > 0 {
		return o.TeardownTimeout
	}
	return defaultTeardownTimeout
}

func (o *Orchestrator) launchTimeout() time.Duration {
	if o.LaunchTimeout > 0 {
		return o.LaunchTimeout
	}
	return defaultLaunchTimeout
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func failAll(services []Service) []Service {
	for i := range services {
		services[i].State = StateFailed
	}
	return services
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
