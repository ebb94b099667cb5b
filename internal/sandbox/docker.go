package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	containerWorkdir = "/workspace"
	containerPids    = int64(64)
	removeTimeout    = 10 * time.Second
)

// DockerSandbox runs each submission in its own throwaway container with the
// workspace bind-mounted at /workspace.
type DockerSandbox struct {
	cli    *client.Client
	logger *zerolog.Logger
}

func NewDockerSandbox(logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerSandbox{cli: cli, logger: logger}, nil
}

func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.Image == "" {
		return nil, errors.New("docker driver needs an image for this language")
	}
	if err := writeSource(cfg); err != nil {
		return nil, err
	}

	pidsLimit := containerPids
	if cfg.Limits.MaxProcesses > 0 {
		pidsLimit = int64(cfg.Limits.MaxProcesses)
	}

	created := time.Now()
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           cfg.Image,
		Cmd:             []string{"sleep", "infinity"}, // kept alive for the compile and run execs
		Tty:             false,
		NetworkDisabled: true,
		WorkingDir:      containerWorkdir,
		User:            "nobody",
		Env:             []string{"HOME=" + containerWorkdir, "TMPDIR=/tmp", "LANG=C.UTF-8"},
	}, &container.HostConfig{
		Binds: []string{cfg.Workdir + ":" + containerWorkdir},
		Resources: container.Resources{
			Memory:     cfg.Limits.MemoryBytes,
			MemorySwap: cfg.Limits.MemoryBytes, // no swap
			CPUPeriod:  100000,
			CPUQuota:   100000, // one CPU
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	// Force removal kills every process in the container, including ones
	// left behind by a timed out exec.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to remove container")
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(created).Milliseconds()))

	res := &Result{}
	if len(cfg.CompileCmd) > 0 {
		argv := expand(cfg.CompileCmd, cfg.SourceFile, containerWorkdir, cfg.Limits)
		step, err := s.exec(ctx, resp.ID, argv, cfg.CompileTimeout, "", cfg.Limits)
		if err != nil {
			return nil, fmt.Errorf("compile step: %w", err)
		}
		res.Compile = step
		if !step.Succeeded() {
			return res, nil
		}
	}

	argv := expand(cfg.RunCmd, cfg.SourceFile, containerWorkdir, cfg.Limits)
	step, err := s.exec(ctx, resp.ID, argv, cfg.RunTimeout, cfg.Stdin, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("run step: %w", err)
	}
	res.Run = step
	return res, nil
}

func (s *DockerSandbox) exec(ctx context.Context, containerID string, argv []string, timeout time.Duration, stdin string, limits Limits) (*StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := s.cli.ContainerExecCreate(stepCtx, containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	start := time.Now()
	attach, err := s.cli.ContainerExecAttach(stepCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if stdin != "" {
		_, _ = io.Copy(attach.Conn, strings.NewReader(stdin))
		_ = attach.CloseWrite()
	}

	stdout := newCappedBuffer(limits.OutputBytes)
	stderr := newCappedBuffer(limits.OutputBytes)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	step := &StepResult{}
	select {
	case err := <-done:
		if err != nil && stepCtx.Err() == nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-stepCtx.Done():
		// the deferred container removal reaps the process tree
		attach.Close()
		<-done
		step.TimedOut = true
	}
	step.Elapsed = time.Since(start)
	step.Stdout = stdout.String()
	step.Stderr = stderr.String()
	step.StdoutTruncated = stdout.Truncated()
	step.StderrTruncated = stderr.Truncated()

	if step.TimedOut {
		return step, nil
	}

	exitCode, err := s.waitExec(ctx, execResp.ID)
	if err != nil {
		return nil, err
	}
	step.ExitCode = exitCode
	step.Signal = signalFromExitCode(exitCode)
	if exitCode == 137 && limits.MemoryBytes > 0 {
		inspect, err := s.cli.ContainerInspect(ctx, containerID)
		if err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled {
			step.OOMKilled = true
		}
	}
	return step, nil
}

// waitExec polls until the exec has finished; the output stream can close
// slightly before the daemon records the exit code.
func (s *DockerSandbox) waitExec(ctx context.Context, execID string) (int, error) {
	for i := 0; ; i++ {
		inspect, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		if i >= 50 {
			return 0, errors.New("exec still running after its output closed")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *DockerSandbox) EnsureImage(ctx context.Context, img string) error {
	if img == "" {
		return nil
	}
	_, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil // Image already exists
	}

	s.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// Important: must consume the reader to finish the pull
	_, _ = io.Copy(io.Discard, reader)

	s.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}
