//go:build nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/benaskins/chainrun/internal/logbuf"
)

// ContainerConfig holds configuration for a Docker container stage.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	NetworkMode string
	Volumes     map[string]string
	BufSize     int
	Relay       io.Writer
}

// ContainerDriver is a stub when container support is excluded.
type ContainerDriver struct{}

// NewContainer returns an error when built with the nocontainer tag.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	return nil, fmt.Errorf("container support excluded (built with nocontainer tag)")
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	return fmt.Errorf("container support excluded")
}
func (d *ContainerDriver) Stop(context.Context, syscall.Signal, time.Duration) error { return nil }
func (d *ContainerDriver) Info() ProcessInfo                                        { return ProcessInfo{} }
func (d *ContainerDriver) Wait() (int, error)                                       { return -1, fmt.Errorf("container support excluded") }
func (d *ContainerDriver) Done() <-chan struct{}                                    { return nil }
func (d *ContainerDriver) Output() *logbuf.Ring                                     { return logbuf.New(1) }
func (d *ContainerDriver) ContainerID() string                                      { return "" }
