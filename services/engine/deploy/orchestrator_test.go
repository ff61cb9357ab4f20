package deploy

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"slipway/pkg/proc"
	"slipway/pkg/secrets"
)

type recordingRunner struct {
	calls []proc.Command
	// exitFor maps a substring of the joined args to an exit code.
	exitFor map[string]int
}

func (r *recordingRunner) Run(_ context.Context, cmd proc.Command) (proc.Result, error) {
	r.calls = append(r.calls, cmd)
	joined := strings.Join(cmd.Args, " ")
	for needle, code := range r.exitFor {
		if strings.Contains(joined, needle) {
			return proc.Result{ExitCode: code, Stderr: "boom"}, nil
		}
	}
	return proc.Result{ExitCode: 0}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testServices() []Service {
	return []Service{
		{Name: "api", ArtifactRef: "registry/api:7", ContainerName: "myapp-api", State: StatePending},
		{Name: "web", ArtifactRef: "registry/web:7", ContainerName: "myapp-web", State: StatePending},
	}
}

func TestDeployPhasesAndEnvInjection(t *testing.T) {
	runner := &recordingRunner{}
	o := &Orchestrator{Runner: runner, Logger: discard()}

	cfg := Config{
		Project:     "myapp",
		ComposeFile: "docker-compose.yml",
		Env:         map[string]string{"TAG": "7"},
		Secrets:     secrets.Env{"JWT_KEY": secrets.New("topsecret")},
	}

	updated, err := o.Deploy(context.Background(), testServices(), cfg)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	for _, svc := range updated {
		if svc.State != StateStarting {
			t.Fatalf("service %s state = %s, want starting", svc.Name, svc.State)
		}
		if svc.StartedAt.IsZero() {
			t.Fatalf("service %s missing start timestamp", svc.Name)
		}
	}

	// down, rm -f x2, up
	if len(runner.calls) != 4 {
		t.Fatalf("got %d invocations, want 4", len(runner.calls))
	}
	if !strings.Contains(strings.Join(runner.calls[0].Args, " "), "compose -p myapp -f docker-compose.yml down --remove-orphans") {
		t.Fatalf("teardown args = %v", runner.calls[0].Args)
	}
	for i, want := range []string{"myapp-api", "myapp-web"} {
		if got := strings.Join(runner.calls[1+i].Args, " "); got != "rm -f "+want {
			t.Fatalf("cleanup args = %q", got)
		}
	}

	up := runner.calls[3]
	if !strings.Contains(strings.Join(up.Args, " "), "up -d --build") {
		t.Fatalf("launch args = %v", up.Args)
	}
	if up.Env["TAG"] != "7" {
		t.Fatal("tag not injected into launch environment")
	}
	if up.Env["JWT_KEY"] != "topsecret" {
		t.Fatal("secret not injected into launch environment")
	}

	// Earlier phases must not see the secret.
	for _, call := range runner.calls[:3] {
		if _, ok := call.Env["JWT_KEY"]; ok {
			t.Fatal("secret leaked outside the launch invocation")
		}
	}
}

func TestDeployLaunchFailureIsFatal(t *testing.T) {
	runner := &recordingRunner{exitFor: map[string]int{"up -d": 1}}
	o := &Orchestrator{Runner: runner, Logger: discard()}

	updated, err := o.Deploy(context.Background(), testServices(), Config{Project: "myapp"})
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("Deploy() error = %v, want ErrLaunch", err)
	}
	for _, svc := range updated {
		if svc.State != StateFailed {
			t.Fatalf("service %s state = %s, want failed", svc.Name, svc.State)
		}
	}
}

func TestDeployToleratesTeardownAndCleanupFailures(t *testing.T) {
	runner := &recordingRunner{exitFor: map[string]int{"down": 1, "rm -f": 1}}
	o := &Orchestrator{Runner: runner, Logger: discard()}

	updated, err := o.Deploy(context.Background(), testServices(), Config{Project: "myapp"})
	if err != nil {
		t.Fatalf("Deploy() error = %v, teardown failures must not be fatal", err)
	}
	for _, svc := range updated {
		if svc.State != StateStarting {
			t.Fatalf("service %s state = %s, want starting", svc.Name, svc.State)
		}
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	runner := &recordingRunner{}
	o := &Orchestrator{Runner: runner, Logger: discard()}
	cfg := Config{Project: "myapp"}

	first, err := o.Deploy(context.Background(), testServices(), cfg)
	if err != nil {
		t.Fatalf("first Deploy() error = %v", err)
	}
	second, err := o.Deploy(context.Background(), testServices(), cfg)
	if err != nil {
		t.Fatalf("second Deploy() error = %v", err)
	}

	states := func(svcs []Service) []State {
		out := make([]State, len(svcs))
		for i, s := range svcs {
			out[i] = s.State
		}
		return out
	}
	if !reflect.DeepEqual(states(first), states(second)) {
		t.Fatalf("states diverged: %v vs %v", states(first), states(second))
	}
}

func TestDeployRequiresProject(t *testing.T) {
	o := &Orchestrator{Runner: &recordingRunner{}, Logger: discard()}
	if _, err := o.Deploy(context.Background(), testServices(), Config{}); !errors.Is(err, ErrLaunch) {
		t.Fatalf("Deploy() error = %v, want ErrLaunch", err)
	}
}
