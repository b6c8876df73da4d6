package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	ctr "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/devcell/devcell/internal/domain"
)

// keepAliveCmd keeps an environment container running between execs.
var keepAliveCmd = []string{"sh", "-c", "while true; do sleep 3600; done"}

// Manager owns all engine calls for environment containers. Everything above
// it sees normalized types and domain errors only.
type Manager struct {
	client    *client.Client
	pullRetry retry.Retry[string]
}

// ManagerConfig holds Manager construction options.
type ManagerConfig struct {
	// PullMaxAttempts bounds retries of transient registry failures.
	PullMaxAttempts int
}

// NewManager creates a Manager connected to the local engine endpoint.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	attempts := cfg.PullMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &Manager{
		client: cli,
		pullRetry: retry.New[string](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  2 * time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
	}, nil
}

// Create pulls the image if needed and creates and starts a container for
// the given spec, returning the engine-assigned handle id.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Image == "" {
		return "", domain.BadRequest("container image is required")
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed, bindings, err := buildPortBindings(spec.Ports)
	if err != nil {
		return "", err
	}

	containerCfg := &ctr.Config{
		Image:        spec.Image,
		Cmd:          keepAliveCmd,
		WorkingDir:   "/workspace",
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Tty:          false,
		Labels:       spec.Labels,
	}

	hostCfg := &ctr.HostConfig{
		PortBindings: bindings,
		Resources: ctr.Resources{
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", domain.Internal(err, "create container")
	}

	if err := m.client.ContainerStart(ctx, resp.ID, ctr.StartOptions{}); err != nil {
		// Roll back the half-created container
		_ = m.client.ContainerRemove(ctx, resp.ID, ctr.RemoveOptions{Force: true})
		return "", domain.Internal(err, "start container")
	}

	slog.Info("container created", "container_id", shortID(resp.ID), "image", spec.Image)
	return resp.ID, nil
}

// Start starts a stopped container.
func (m *Manager) Start(ctx context.Context, id string) error {
	return translateErr(m.client.ContainerStart(ctx, id, ctr.StartOptions{}), "start", id)
}

// Stop stops a running container, giving it ten seconds to exit.
func (m *Manager) Stop(ctx context.Context, id string) error {
	timeout := 10
	return translateErr(m.client.ContainerStop(ctx, id, ctr.StopOptions{Timeout: &timeout}), "stop", id)
}

// Restart restarts a container. A zero stop timeout makes this the hard-stop
// path used to tear down runaway exec processes.
func (m *Manager) Restart(ctx context.Context, id string) error {
	timeout := 0
	return translateErr(m.client.ContainerRestart(ctx, id, ctr.StopOptions{Timeout: &timeout}), "restart", id)
}

// Remove deletes a container. Without force a running container is rejected;
// with force the engine stops and removes it in one call.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	if !force {
		info, err := m.Inspect(ctx, id)
		if err != nil {
			return err
		}
		if info.State == StateRunning {
			return domain.BadRequest("container %s is running; stop it first or use force", shortID(id))
		}
	}
	return translateErr(m.client.ContainerRemove(ctx, id, ctr.RemoveOptions{Force: force}), "remove", id)
}

// Inspect returns the normalized view of a container.
func (m *Manager) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := m.client.ContainerInspect(ctx, id)
	if err != nil {
		return Info{}, translateErr(err, "inspect", id)
	}
	return toInfo(resp), nil
}

// Stats returns a one-shot normalized resource usage sample.
func (m *Manager) Stats(ctx context.Context, id string) (Usage, error) {
	resp, err := m.client.ContainerStats(ctx, id, false)
	if err != nil {
		return Usage{}, translateErr(err, "stats", id)
	}
	defer resp.Body.Close()

	var raw ctr.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Usage{}, domain.Internal(err, "decode stats for container %s", shortID(id))
	}
	return toUsage(raw), nil
}

// Logs returns the requested tail of a container's output as text, with
// stdout and stderr lines interleaved in source order.
func (m *Manager) Logs(ctx context.Context, id string, opts LogsOptions) (string, error) {
	reader, err := m.client.ContainerLogs(ctx, id, logsOptions(opts, false))
	if err != nil {
		return "", translateErr(err, "logs", id)
	}
	defer reader.Close()

	scanner := newFrameScanner(reader, opts.Timestamps)
	var b strings.Builder
	for {
		lines, err := scanner.next()
		for _, line := range lines {
			b.WriteString(line.Message)
			b.WriteByte('\n')
		}
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

// FollowLogs attaches to the container's live log stream and forwards each
// demultiplexed line to fn. The returned detach function is idempotent and
// safe to call after the container has stopped.
func (m *Manager) FollowLogs(ctx context.Context, id string, opts LogsOptions, fn func(LogLine)) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)

	reader, err := m.client.ContainerLogs(streamCtx, id, logsOptions(opts, true))
	if err != nil {
		cancel()
		return nil, translateErr(err, "follow logs", id)
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			cancel()
			// Teardown errors are expected when the container is gone.
			_ = reader.Close()
		})
	}

	go func() {
		defer detach()
		scanner := newFrameScanner(reader, opts.Timestamps)
		for {
			lines, err := scanner.next()
			for _, line := range lines {
				fn(line)
			}
			if err != nil {
				return
			}
		}
	}()

	return detach, nil
}

// Exec runs argv inside the container to completion and collects output.
func (m *Manager) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error) {
	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execResp, err := m.client.ContainerExecCreate(execCtx, id, execConfig(argv, opts))
	if err != nil {
		return nil, translateErr(err, "create exec in", id)
	}

	start := time.Now()

	attachResp, err := m.client.ContainerExecAttach(execCtx, execResp.ID, ctr.ExecAttachOptions{})
	if err != nil {
		return nil, translateErr(err, "attach exec in", id)
	}
	defer attachResp.Close()

	var outBuf bytes.Buffer
	_, _ = io.Copy(&outBuf, attachResp.Reader)

	duration := time.Since(start)

	inspectResp, err := m.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return nil, translateErr(err, "inspect exec in", id)
	}

	stdout, stderr := demuxOutput(outBuf.Bytes())
	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// ExecStream starts argv inside the container and streams demultiplexed
// output lines to onOutput as they arrive. The returned channel yields the
// final result once the process exits or ctx is cancelled; cancelling ctx
// closes the attachment, after which no further output is delivered.
func (m *Manager) ExecStream(ctx context.Context, id string, argv []string, opts ExecOptions, onOutput func(LogLine)) (<-chan ExecResult, error) {
	execResp, err := m.client.ContainerExecCreate(ctx, id, execConfig(argv, opts))
	if err != nil {
		return nil, translateErr(err, "create exec in", id)
	}

	attachResp, err := m.client.ContainerExecAttach(ctx, execResp.ID, ctr.ExecAttachOptions{})
	if err != nil {
		return nil, translateErr(err, "attach exec in", id)
	}

	start := time.Now()
	done := make(chan ExecResult, 1)

	// Force the blocked reader to unwind when the caller gives up.
	go func() {
		<-ctx.Done()
		attachResp.Close()
	}()

	go func() {
		defer attachResp.Close()

		var stdout, stderr strings.Builder
		scanner := newFrameScanner(attachResp.Reader, false)
		for {
			lines, err := scanner.next()
			for _, line := range lines {
				switch line.Stream {
				case StreamStdout:
					stdout.WriteString(line.Message + "\n")
				case StreamStderr:
					stderr.WriteString(line.Message + "\n")
				}
				onOutput(line)
			}
			if err != nil {
				break
			}
		}

		result := ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			done <- result
			return
		}

		inspectResp, err := m.client.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			result.Err = translateErr(err, "inspect exec in", id)
		} else {
			result.ExitCode = inspectResp.ExitCode
		}
		done <- result
	}()

	return done, nil
}

// Close closes the engine client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) ensureImage(ctx context.Context, img string) error {
	if _, err := m.client.ImageInspect(ctx, img); err == nil {
		return nil
	}

	_, err := m.pullRetry.Do(ctx, func(ctx context.Context) (string, error) {
		reader, err := m.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return "", err
		}
		defer reader.Close()
		// Drain the reader to complete the pull
		_, _ = io.Copy(io.Discard, reader)
		return img, nil
	})
	if err != nil {
		return domain.ImagePull(err, "pull image %s", img)
	}

	slog.Info("image pulled", "image", img)
	return nil
}

func execConfig(argv []string, opts ExecOptions) ctr.ExecOptions {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "/workspace"
	}
	return ctr.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workDir,
		Env:          envList(opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	}
}

func logsOptions(opts LogsOptions, follow bool) ctr.LogsOptions {
	tail := "all"
	if opts.Tail > 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	return ctr.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Tail:       tail,
		Follow:     follow,
		Timestamps: opts.Timestamps,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
