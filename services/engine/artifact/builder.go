// Package artifact builds and tags container images from build contexts.
// Builds are independent: one failing artifact never aborts its siblings,
// and the aggregate result always covers every requested spec.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"slipway/pkg/proc"
)

// MaxConcurrency caps parallel builds regardless of how many specs arrive.
const MaxConcurrency = 4

const defaultBuildTimeout = 15 * time.Minute

// Outcome classifies a single build.
type Outcome string

const (
	Built  Outcome = "built"
	Failed Outcome = "failed"
)

// BuildSpec describes one image to build. It is a value object; callers copy
// it freely and never share a mutable instance.
type BuildSpec struct {
	// Name is the image repository, e.g. "registry.local/api".
	Name string
	// ContextDir is the build context path.
	ContextDir string
	// Dockerfile is the path passed to the builder tool's -f flag, resolved
	// by the tool against its working directory, not the context. Callers
	// must anchor relative paths themselves. Empty means the tool's default.
	Dockerfile string
	// Tag is the version tag, typically derived from the build number.
	Tag string
}

// VersionRef returns the name:tag reference for this spec.
func (s BuildSpec) VersionRef() string { return s.Name + ":" + s.Tag }

// LatestRef returns the floating alias reference.
func (s BuildSpec) LatestRef() string { return s.Name + ":latest" }

// Result is the immutable outcome of one build.
type Result struct {
	Name    string
	Ref     string
	Outcome Outcome
	Err     error
}

// Builder invokes the container image builder tool.
type Builder struct {
	Runner proc.Runner
	Logger *slog.Logger
	// BuilderBin is the docker-compatible binary, "docker" when empty.
	BuilderBin string
	// Concurrency bounds parallel builds; zero means len(specs) capped at
	// MaxConcurrency.
	Concurrency int
	// Timeout bounds a single image build.
	Timeout time.Duration
}

// Build runs every spec, in parallel up to the concurrency bound, and returns
// one result per spec in input order. It waits for all launched builds before
// returning, even when some fail.
func (b *Builder) Build(ctx context.Context, specs []BuildSpec) []Result {
	results := make([]Result, len(specs))
	if len(specs) == 0 {
		return results
	}

	limit := b.Concurrency
	if limit <= 0 || limit > len(specs) {
		limit = len(specs)
	}
	if limit > MaxConcurrency {
		limit = MaxConcurrency
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(slot int, spec BuildSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[slot] = b.buildOne(ctx, spec)
		}(i, spec)
	}
	wg.Wait()

	return results
}

func (b *Builder) buildOne(ctx context.Context, spec BuildSpec) Result {
	logger := b.logger().With("artifact", spec.Name, "tag", spec.Tag)

	if err := spec.validate(); err != nil {
		logger.Error("invalid build spec", "error", err)
		return Result{Name: spec.Name, Outcome: Failed, Err: err}
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}

	args := []string{"build", "-t", spec.VersionRef()}
	if spec.Dockerfile != "" {
		args = append(args, "-f", spec.Dockerfile)
	}
	args = append(args, spec.ContextDir)

	logger.Info("building image")
	res, err := b.Runner.Run(ctx, proc.Command{
		Program: b.bin(),
		Args:    args,
		Timeout: timeout,
	})
	if err != nil {
		logger.Error("image build did not complete", "error", err)
		return Result{Name: spec.Name, Outcome: Failed, Err: fmt.Errorf("build %s: %w", spec.VersionRef(), err)}
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("build %s: exit code %d: %s", spec.VersionRef(), res.ExitCode, tail(res.Stderr))
		logger.Error("image build failed", "exit_code", res.ExitCode)
		return Result{Name: spec.Name, Outcome: Failed, Err: err}
	}

	// Both tags must land or the artifact is treated as failed; a version tag
	// without its latest alias would leave the compose file pointing at a
	// stale image.
	res, err = b.Runner.Run(ctx, proc.Command{
		Program: b.bin(),
		Args:    []string{"tag", spec.VersionRef(), spec.LatestRef()},
		Timeout: time.Minute,
	})
	if err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("tag %s: exit code %d: %s", spec.LatestRef(), res.ExitCode, tail(res.Stderr))
		}
		logger.Error("alias tagging failed", "error", err)
		return Result{Name: spec.Name, Outcome: Failed, Err: err}
	}

	logger.Info("image built", "ref", spec.VersionRef())
	return Result{Name: spec.Name, Ref: spec.VersionRef(), Outcome: Built}
}

func (s BuildSpec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("artifact name is required")
	case s.ContextDir == "":
		return fmt.Errorf("build context is required")
	case s.Tag == "":
		return fmt.Errorf("tag is required")
	}
	return nil
}

func (b *Builder) bin() string {
	if b.BuilderBin != "" {
		return b.BuilderBin
	}
	return "docker"
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// AnyFailed reports whether at least one result failed.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Outcome == Failed {
			return true
		}
	}
	return false
}

// FailedNames lists the artifacts that failed, for report text.
func FailedNames(results []Result) []string {
	var names []string
	for _, r := range results {
		if r.Outcome == Failed {
			names = append(names, r.Name)
		}
	}
	return names
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
