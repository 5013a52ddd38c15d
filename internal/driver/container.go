//go:build !nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sys/unix"

	"github.com/benaskins/chainrun/internal/logbuf"
)

// ContainerConfig holds configuration for a Docker container stage.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string          // command/args to pass to the container
	NetworkMode string            // "host", "bridge", etc. Default: "host"
	Volumes     map[string]string // host:container mount mappings
	BufSize     int               // ring buffer size (lines)
	Relay       io.Writer         // optional operator stream
}

// ContainerDriver manages a Docker container lifecycle.
type ContainerDriver struct {
	cfg ContainerConfig

	mu          sync.Mutex
	closeOnce   sync.Once
	client      *dockerclient.Client
	containerID string
	state       State
	startedAt   time.Time
	exitCode    int
	exitErr     string
	buf         *logbuf.Ring
	done        chan struct{}
}

// NewContainer creates a new Docker container driver.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 1000
	}

	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "host"
	}

	return &ContainerDriver{
		cfg:    cfg,
		client: cli,
		state:  StateStopped,
		buf:    logbuf.New(bufSize),
	}, nil
}

// containerName is the Docker name used for a stage; a leftover container
// with the same name from an earlier run is replaced.
func (d *ContainerDriver) containerName() string {
	return "chainrun-" + d.cfg.Name
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return fmt.Errorf("container already running")
	}

	d.state = StateStarting
	name := d.containerName()

	d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image: d.cfg.Image,
		Env:   d.cfg.Env,
		Cmd:   d.cfg.Cmd,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	if len(d.cfg.Volumes) > 0 {
		binds := make([]string, 0, len(d.cfg.Volumes))
		for host, cont := range d.cfg.Volumes {
			binds = append(binds, fmt.Sprintf("%s:%s", host, cont))
		}
		hostConfig.Binds = binds
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("creating container: %w", err)
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("starting container: %w", err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	d.done = make(chan struct{})

	// Log streaming and exit watching outlive the start request.
	go d.streamLogs(context.Background())
	go d.waitForExit()

	return nil
}

func (d *ContainerDriver) Stop(ctx context.Context, sig syscall.Signal, grace time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	containerID := d.containerID
	done := d.done
	d.mu.Unlock()

	if sig == 0 {
		sig = unix.SIGTERM
	}

	// Docker delivers sig, waits timeout seconds, then SIGKILLs.
	timeoutSec := int(grace.Seconds())
	stopOpts := container.StopOptions{Signal: unix.SignalName(sig), Timeout: &timeoutSec}
	stopErr := d.client.ContainerStop(ctx, containerID, stopOpts)

	select {
	case <-done:
	case <-time.After(grace + killWait):
		d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	}

	d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{})
	d.closeClient()

	if stopErr != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, stopErr)
	}
	return nil
}

func (d *ContainerDriver) closeClient() {
	d.closeOnce.Do(func() {
		d.client.Close()
	})
}

func (d *ContainerDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}
}

func (d *ContainerDriver) Wait() (int, error) {
	done := d.Done()
	if done == nil {
		return -1, fmt.Errorf("container not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *ContainerDriver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *ContainerDriver) Output() *logbuf.Ring {
	return d.buf
}

func (d *ContainerDriver) streamLogs(ctx context.Context) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}

	reader, err := d.client.ContainerLogs(ctx, d.containerID, opts)
	if err != nil {
		return
	}
	defer reader.Close()

	var out io.Writer = d.buf
	if d.cfg.Relay != nil {
		out = io.MultiWriter(d.buf, d.cfg.Relay)
	}

	// Docker multiplexes stdout/stderr with 8-byte frame headers.
	stdcopy.StdCopy(out, out, reader)
	d.buf.Flush()
}

func (d *ContainerDriver) waitForExit() {
	statusCh, errCh := d.client.ContainerWait(
		context.Background(),
		d.containerID,
		container.WaitConditionNotRunning,
	)

	var wasStopping bool
	select {
	case err := <-errCh:
		d.mu.Lock()
		wasStopping = d.state == StateStopping
		if wasStopping {
			d.state = StateStopped
		} else {
			d.state = StateFailed
		}
		if err != nil {
			d.exitErr = err.Error()
		}
		close(d.done)
		d.mu.Unlock()

	case status := <-statusCh:
		d.mu.Lock()
		d.exitCode = int(status.StatusCode)
		wasStopping = d.state == StateStopping
		if wasStopping {
			d.state = StateStopped
		} else {
			d.state = StateExited
		}
		if status.Error != nil {
			d.exitErr = status.Error.Message
		}
		close(d.done)
		d.mu.Unlock()
	}

	// Stop closes the client itself; a natural exit never reaches Stop.
	if !wasStopping {
		d.closeClient()
	}
}

// ContainerID returns the Docker container ID.
func (d *ContainerDriver) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}
