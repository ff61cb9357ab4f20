package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"slipway/services/engine/artifact"
	"slipway/services/engine/deploy"
	"slipway/services/engine/health"
	"slipway/services/engine/pipeline"
)

// ErrMissingTestScript is returned by preflight when the pipeline declares an
// npm test command the project manifest does not define. The manifest is never
// patched; the run fails before any stage executes.
var ErrMissingTestScript = errors.New("test script not defined in package.json")

// PipelineFile is the YAML document declaring what a run does. Durations are
// strings accepted by time.ParseDuration.
type PipelineFile struct {
	Timeout  duration      `yaml:"timeout"`
	Checkout []commandYAML `yaml:"checkout"`
	Install  []commandYAML `yaml:"install"`
	Test     []commandYAML `yaml:"test"`

	Artifacts []artifactYAML `yaml:"artifacts"`
	Services  []serviceYAML  `yaml:"services"`
	Deploy    deployYAML     `yaml:"deploy"`
	Checks    []checkYAML    `yaml:"checks"`

	Policy policyYAML `yaml:"policy"`
}

type commandYAML struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	Timeout duration `yaml:"timeout"`
}

type artifactYAML struct {
	Name       string `yaml:"name"`
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

type serviceYAML struct {
	Name      string `yaml:"name"`
	Container string `yaml:"container"`
	Artifact  string `yaml:"artifact"`
}

type deployYAML struct {
	Project     string            `yaml:"project"`
	ComposeFile string            `yaml:"compose_file"`
	Env         map[string]string `yaml:"env"`
}

type checkYAML struct {
	Service      string   `yaml:"service"`
	URL          string   `yaml:"url"`
	ExpectStatus int      `yaml:"expect_status"`
	PollInterval duration `yaml:"poll_interval"`
	MaxWait      duration `yaml:"max_wait"`
	SettleDelay  duration `yaml:"settle_delay"`
}

type policyYAML struct {
	TestFailureFatal  *bool `yaml:"test_failure_fatal"`
	BuildFailureFatal *bool `yaml:"build_failure_fatal"`
}

// LoadPipelineFile parses and validates the pipeline document at path.
func LoadPipelineFile(path string) (PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineFile{}, fmt.Errorf("read pipeline file: %w", err)
	}

	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return PipelineFile{}, fmt.Errorf("parse pipeline file: %w", err)
	}
	if err := file.validate(); err != nil {
		return PipelineFile{}, err
	}
	return file, nil
}

func (f PipelineFile) validate() error {
	names := make(map[string]bool, len(f.Artifacts))
	for i, a := range f.Artifacts {
		if a.Name == "" || a.Context == "" {
			return fmt.Errorf("artifact %d: name and context are required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("artifact %q declared twice", a.Name)
		}
		names[a.Name] = true
	}
	for i, s := range f.Services {
		if s.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if s.Artifact != "" && !names[s.Artifact] {
			return fmt.Errorf("service %q references unknown artifact %q", s.Name, s.Artifact)
		}
	}
	if len(f.Services) > 0 && f.Deploy.Project == "" {
		return errors.New("deploy.project is required when services are declared")
	}
	for i, c := range f.Checks {
		if c.Service == "" || c.URL == "" {
			return fmt.Errorf("check %d: service and url are required", i)
		}
	}
	for _, group := range [][]commandYAML{f.Checkout, f.Install, f.Test} {
		for _, cmd := range group {
			if cmd.Program == "" {
				return errors.New("command program is required")
			}
		}
	}
	return nil
}

// BuildPlan combines the environment config and the pipeline file into the
// plan the coordinator executes. The artifact version tag is the build number.
func BuildPlan(cfg Config, file PipelineFile) pipeline.Plan {
	tag := strconv.Itoa(cfg.Number)

	plan := pipeline.Plan{
		App:       cfg.App,
		Number:    cfg.Number,
		Workspace: cfg.Workspace,
		Commit:    cfg.Commit,
		Checkout:  commands(file.Checkout),
		Install:   commands(file.Install),
		Test:      commands(file.Test),
		Timeout:   time.Duration(file.Timeout),
		Policy:    pipeline.DefaultPolicy(),
	}
	if plan.Timeout == 0 {
		plan.Timeout = cfg.Timeout
	}

	if file.Policy.TestFailureFatal != nil {
		plan.Policy.TestFailureFatal = *file.Policy.TestFailureFatal
	}
	if file.Policy.BuildFailureFatal != nil {
		plan.Policy.BuildFailureFatal = *file.Policy.BuildFailureFatal
	}

	// Context and dockerfile both anchor to the workspace: docker resolves a
	// relative -f against its own cwd, which is not the checkout.
	for _, a := range file.Artifacts {
		plan.Artifacts = append(plan.Artifacts, artifact.BuildSpec{
			Name:       a.Name,
			ContextDir: anchor(cfg.Workspace, a.Context),
			Dockerfile: anchor(cfg.Workspace, a.Dockerfile),
			Tag:        tag,
		})
	}

	for _, s := range file.Services {
		svc := deploy.Service{
			Name:          s.Name,
			ContainerName: s.Container,
			State:         deploy.StatePending,
		}
		if s.Artifact != "" {
			svc.ArtifactRef = s.Artifact + ":" + tag
		}
		plan.Services = append(plan.Services, svc)
	}

	plan.Deploy = deploy.Config{
		Project:     file.Deploy.Project,
		ComposeFile: file.Deploy.ComposeFile,
		WorkingDir:  cfg.Workspace,
		Env:         file.Deploy.Env,
		Secrets:     cfg.DeploySecrets,
	}

	for _, c := range file.Checks {
		spec := health.CheckSpec{
			Service:      c.Service,
			URL:          c.URL,
			PollInterval: time.Duration(c.PollInterval),
			MaxWait:      time.Duration(c.MaxWait),
			SettleDelay:  time.Duration(c.SettleDelay),
		}
		if c.ExpectStatus != 0 {
			want := c.ExpectStatus
			spec.Expect = func(status int) bool { return status == want }
		}
		plan.Checks = append(plan.Checks, spec)
	}

	return plan
}

// Preflight verifies the plan can run before any stage executes. When a test
// command is `npm test` or `npm run <script>`, the script must exist in the
// workspace's package.json.
func Preflight(cfg Config, file PipelineFile) error {
	for _, cmd := range file.Test {
		script, ok := npmScript(cmd)
		if !ok {
			continue
		}
		declared, err := manifestScripts(filepath.Join(cfg.Workspace, "package.json"))
		if err != nil {
			return err
		}
		if !declared[script] {
			return fmt.Errorf("%w: %q", ErrMissingTestScript, script)
		}
	}
	return nil
}

// manifestScripts reads the scripts table from a package.json manifest.
func manifestScripts(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package manifest: %w", err)
	}

	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse package manifest: %w", err)
	}

	declared := make(map[string]bool, len(manifest.Scripts))
	for name := range manifest.Scripts {
		declared[name] = true
	}
	return declared, nil
}

func npmScript(cmd commandYAML) (string, bool) {
	if cmd.Program != "npm" || len(cmd.Args) == 0 {
		return "", false
	}
	switch cmd.Args[0] {
	case "test":
		return "test", true
	case "run":
		if len(cmd.Args) > 1 {
			return cmd.Args[1], true
		}
	}
	return "", false
}

// anchor resolves a pipeline-file path against the workspace. Absolute paths
// and empty values pass through unchanged.
func anchor(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func commands(specs []commandYAML) []pipeline.CommandSpec {
	out := make([]pipeline.CommandSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, pipeline.CommandSpec{
			Program: s.Program,
			Args:    s.Args,
			Timeout: time.Duration(s.Timeout),
		})
	}
	return out
}

// duration parses "90s" style YAML scalars.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}
