package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes a command line and returns its output.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner runs commands with os/exec.
type RealCommandRunner struct{}

func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // binary comes from configuration
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return "", "", 0, err
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

const tmateScript = `rm -f /tmp/tmate.sock; tmate -S /tmp/tmate.sock new-session -d && ` +
	`tmate -S /tmp/tmate.sock wait tmate-ready && tmate -S /tmp/tmate.sock display -p '#{tmate_ssh}'`

// Docker drives sandboxes as containers through the docker CLI.
type Docker struct {
	binary          string
	runner          CommandRunner
	provisionScript string
	provisionWait   time.Duration
	diskQuota       bool
	logger          *slog.Logger
}

type DockerOption func(*Docker)

func WithCommandRunner(r CommandRunner) DockerOption {
	return func(d *Docker) { d.runner = r }
}

// WithProvisionScript runs script inside every new sandbox in the background.
// A failing script is logged and does not fail creation.
func WithProvisionScript(script string, timeout time.Duration) DockerOption {
	return func(d *Docker) {
		d.provisionScript = script
		d.provisionWait = timeout
	}
}

// WithDiskQuota passes --storage-opt size=...; only some storage drivers support it.
func WithDiskQuota(enabled bool) DockerOption {
	return func(d *Docker) { d.diskQuota = enabled }
}

func NewDocker(binary string, opts ...DockerOption) *Docker {
	if binary == "" {
		binary = "docker"
	}
	d := &Docker{
		binary:        binary,
		runner:        RealCommandRunner{},
		provisionWait: 10 * time.Minute,
		logger:        slog.Default().With("component", "docker_engine"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Docker) Create(ctx context.Context, spec Spec) (Ref, error) {
	args := []string{
		d.binary, "run", "-dit",
		"--name", spec.Name,
		"--label", LabelManaged + "=true",
		"--label", LabelOwner + "=" + string(spec.Owner),
		"--memory", fmt.Sprintf("%dm", spec.Profile.RAMGiB*1024),
		"--cpus", strconv.FormatFloat(spec.Profile.CPUCores, 'f', -1, 64),
	}
	if d.diskQuota {
		args = append(args, "--storage-opt", fmt.Sprintf("size=%dG", spec.Profile.DiskGiB))
	}
	args = append(args, spec.Image, "/bin/bash")

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	ref := Ref(strings.TrimSpace(out))
	if ref == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}

	if d.provisionScript != "" {
		go d.provision(ref)
	}
	return ref, nil
}

func (d *Docker) provision(ref Ref) {
	ctx, cancel := context.WithTimeout(context.Background(), d.provisionWait)
	defer cancel()
	if _, err := d.run(ctx, d.binary, "exec", "-u", "root", string(ref), "sh", "-c", d.provisionScript); err != nil {
		d.logger.Warn("provision script failed", "engine_ref", ref, "error", err)
	}
}

func (d *Docker) Start(ctx context.Context, ref Ref) error {
	if _, err := d.run(ctx, d.binary, "start", string(ref)); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, ref Ref) error {
	if _, err := d.run(ctx, d.binary, "stop", string(ref)); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, ref Ref) error {
	if _, err := d.run(ctx, d.binary, "rm", "-f", string(ref)); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, ref Ref) (State, error) {
	out, err := d.run(ctx, d.binary, "inspect", "-f", "{{.State.Running}}", string(ref))
	if err != nil {
		return State{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	return State{Running: strings.TrimSpace(out) == "true"}, nil
}

func (d *Docker) List(ctx context.Context) ([]Ref, error) {
	out, err := d.run(ctx, d.binary, "ps", "-a", "--no-trunc", "--filter", "label="+LabelManaged+"=true", "--format", "{{.ID}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var refs []Ref
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			refs = append(refs, Ref(id))
		}
	}
	return refs, nil
}

func (d *Docker) Connect(ctx context.Context, ref Ref) (string, error) {
	out, err := d.run(ctx, d.binary, "exec", string(ref), "sh", "-c", tmateScript)
	if err != nil {
		return "", fmt.Errorf("failed to start tmate session: %w", err)
	}
	ssh := lastLine(out)
	if ssh == "" {
		return "", fmt.Errorf("tmate returned no ssh connection string")
	}
	return ssh, nil
}

// run executes args and maps docker's "no such container" to ErrNotFound.
func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, code, err := d.runner.RunCommand(ctx, args)
	if err != nil {
		return "", err
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if isNoSuchContainer(msg) {
			return "", fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
		return "", fmt.Errorf("%s exited with code %d: %s", strings.Join(args[:2], " "), code, msg)
	}
	return stdout, nil
}

func isNoSuchContainer(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no such object")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
