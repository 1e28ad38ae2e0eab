// Package container provisions the scanning engine as a local docker container.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
)

// ErrRuntimeUnavailable means the engine could not be started or never became ready.
var ErrRuntimeUnavailable = errors.New("scanning engine runtime unavailable")

// MountPoint is where the host workspace appears inside the container.
const MountPoint = "/zap/wrk"

// Addons installed before the daemon starts.
var Addons = []string{"ascanrulesBeta", "pscanrulesBeta"}

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Prober answers once the engine API is up.
type Prober interface {
	Version(ctx context.Context) (string, error)
}

// Options describes the container to run.
type Options struct {
	Image          string
	Name           string
	Port           int
	APIKey         string
	Workspace      string
	InstallAddons  bool
	StartupDelay   time.Duration
	StartupTimeout time.Duration
	// ProbeInterval is the wait between readiness probes (default 2s).
	ProbeInterval time.Duration
}

// Docker starts and stops the engine container with the docker CLI.
type Docker struct {
	opts   Options
	runner Runner
	logger *zap.Logger
}

// NewDocker returns a docker-backed runtime. A nil runner uses os/exec.
func NewDocker(opts Options, runner Runner, logger *zap.Logger) *Docker {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	logger = logging.OrNop(logger).Named("container")
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	return &Docker{opts: opts, runner: runner, logger: logger}
}

// Start pulls the image, runs the container and waits until probe answers.
func (d *Docker) Start(ctx context.Context, probe Prober) error {
	d.logger.Info("Pulling Docker image: " + d.opts.Image)
	if _, err := d.runner.Run(ctx, "docker", "pull", d.opts.Image, "-q"); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrRuntimeUnavailable, d.opts.Image, err)
	}

	d.logger.Info("Starting ZAP container: " + d.opts.Name)
	out, err := d.runner.Run(ctx, "docker", d.RunArgs()...)
	if err != nil {
		return fmt.Errorf("%w: run %s: %v", ErrRuntimeUnavailable, d.opts.Name, err)
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	d.logger.Info("ZAP container started: " + id)
	d.logger.Info(fmt.Sprintf("ZAP URL: http://localhost:%d", d.opts.Port))

	d.logger.Info("Waiting for ZAP to be ready...")
	if d.opts.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.StartupDelay):
		}
	}
	return d.waitReady(ctx, probe)
}

func (d *Docker) waitReady(ctx context.Context, probe Prober) error {
	b := backoff.NewConstantBackOff(d.opts.ProbeInterval)
	version, err := backoff.Retry(ctx, func() (string, error) {
		return probe.Version(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(d.opts.StartupTimeout))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: ZAP failed to start within %s: %v", ErrRuntimeUnavailable, d.opts.StartupTimeout, err)
	}
	d.logger.Info("ZAP is ready!", zap.String("version", version))
	return nil
}

// Stop stops and removes the container. Failures are only logged.
func (d *Docker) Stop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.logger.Info("Stopping container: " + d.opts.Name)
	if _, err := d.runner.Run(ctx, "docker", "stop", d.opts.Name); err != nil {
		d.logger.Warn("Failed to stop container", zap.Error(err))
	}
	if _, err := d.runner.Run(ctx, "docker", "rm", d.opts.Name); err != nil {
		d.logger.Warn("Failed to remove container", zap.Error(err))
		return
	}
	d.logger.Info("ZAP container stopped and removed")
}

// RunArgs returns the arguments of `docker run` for the engine container.
func (d *Docker) RunArgs() []string {
	var steps []string
	if d.opts.InstallAddons {
		steps = append(steps, "zap.sh -cmd -addonupdate")
		for _, a := range Addons {
			steps = append(steps, "zap.sh -cmd -addoninstall "+a)
		}
	}

	daemon := []string{
		fmt.Sprintf("zap.sh -daemon -host 0.0.0.0 -port %d", d.opts.Port),
		"-config api.addrs.addr.name=.*",
		"-config api.addrs.addr.regex=true",
	}
	if d.opts.APIKey != "" {
		daemon = append(daemon, "-config api.key="+d.opts.APIKey)
	} else {
		daemon = append(daemon, "-config api.disablekey=true")
	}
	steps = append(steps, strings.Join(daemon, " "))

	return []string{
		"run", "-d", "--name", d.opts.Name, "--network", "host",
		"-v", d.opts.Workspace + ":" + MountPoint + ":rw",
		d.opts.Image, "bash", "-c", strings.Join(steps, " && "),
	}
}

// ContainerPath maps a host file under workspace to its path inside the container.
func ContainerPath(workspace, file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(ws, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace %s", file, workspace)
	}
	return path.Join(MountPoint, filepath.ToSlash(rel)), nil
}

type execRunner struct {
	logger *zap.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("exec", zap.String("cmd", name), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return stdout.Bytes(), nil
}
