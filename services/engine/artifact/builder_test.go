package artifact

import (
	"context"
	"strings"
	"sync"
	"testing"

	"slipway/pkg/proc"
)

// scriptedRunner succeeds or fails builds based on the image name embedded in
// the command arguments.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    [][]string
	failRefs map[string]bool
}

func (r *scriptedRunner) Run(_ context.Context, cmd proc.Command) (proc.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{cmd.Program}, cmd.Args...))
	r.mu.Unlock()

	for ref := range r.failRefs {
		for _, arg := range cmd.Args {
			if strings.Contains(arg, ref) {
				return proc.Result{ExitCode: 1, Stderr: "no such context"}, nil
			}
		}
	}
	return proc.Result{ExitCode: 0}, nil
}

func TestBuildPartialFailureIsolation(t *testing.T) {
	runner := &scriptedRunner{failRefs: map[string]bool{"broken": true}}
	b := &Builder{Runner: runner}

	specs := []BuildSpec{
		{Name: "registry/api", ContextDir: "./api", Tag: "7"},
		{Name: "registry/broken", ContextDir: "./broken", Tag: "7"},
		{Name: "registry/web", ContextDir: "./web", Tag: "7"},
	}

	results := b.Build(context.Background(), specs)
	if len(results) != len(specs) {
		t.Fatalf("got %d results, want %d", len(results), len(specs))
	}

	for i, want := range []Outcome{Built, Failed, Built} {
		if results[i].Outcome != want {
			t.Fatalf("results[%d].Outcome = %s, want %s (err=%v)", i, results[i].Outcome, want, results[i].Err)
		}
	}
	if results[1].Err == nil {
		t.Fatal("failed result must carry error detail")
	}
	if results[0].Ref != "registry/api:7" {
		t.Fatalf("Ref = %q, want registry/api:7", results[0].Ref)
	}
}

func TestBuildAppliesBothTags(t *testing.T) {
	runner := &scriptedRunner{}
	b := &Builder{Runner: runner}

	results := b.Build(context.Background(), []BuildSpec{
		{Name: "registry/api", ContextDir: ".", Dockerfile: "Dockerfile.api", Tag: "12"},
	})
	if results[0].Outcome != Built {
		t.Fatalf("Outcome = %s, err=%v", results[0].Outcome, results[0].Err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("got %d invocations, want build + tag", len(runner.calls))
	}
	build := strings.Join(runner.calls[0], " ")
	if !strings.Contains(build, "build -t registry/api:12 -f Dockerfile.api") {
		t.Fatalf("unexpected build invocation %q", build)
	}
	tag := strings.Join(runner.calls[1], " ")
	if !strings.Contains(tag, "tag registry/api:12 registry/api:latest") {
		t.Fatalf("unexpected tag invocation %q", tag)
	}
}

func TestBuildAliasFailureMarksArtifactFailed(t *testing.T) {
	runner := &scriptedRunner{failRefs: map[string]bool{"latest": true}}
	b := &Builder{Runner: runner}

	results := b.Build(context.Background(), []BuildSpec{
		{Name: "registry/api", ContextDir: ".", Tag: "3"},
	})
	if results[0].Outcome != Failed {
		t.Fatal("alias tag failure must fail the artifact")
	}
}

func TestBuildRejectsInvalidSpecWithoutInvokingTool(t *testing.T) {
	runner := &scriptedRunner{}
	b := &Builder{Runner: runner}

	results := b.Build(context.Background(), []BuildSpec{{Name: "registry/api", Tag: "1"}})
	if results[0].Outcome != Failed {
		t.Fatal("spec without context must fail")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("builder tool invoked %d times for invalid spec", len(runner.calls))
	}
}

func TestAnyFailed(t *testing.T) {
	if AnyFailed([]Result{{Outcome: Built}}) {
		t.Fatal("AnyFailed() = true for all-built results")
	}
	if !AnyFailed([]Result{{Outcome: Built}, {Outcome: Failed}}) {
		t.Fatal("AnyFailed() = false with a failed result")
	}
	names := FailedNames([]Result{{Name: "a", Outcome: Failed}, {Name: "b", Outcome: Built}})
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("FailedNames() = %v", names)
	}
}
