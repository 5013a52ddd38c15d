//go:build integration

package readiness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests require a running Docker daemon.
// Run with: go test -tags integration ./internal/readiness/ -run TestContainer

func startNginx(t *testing.T) testcontainers.Container {
	t.Helper()
	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nginx:alpine",
			ExposedPorts: []string{"80/tcp"},
			WaitingFor:   wait.ForListeningPort("80/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)
	return ctr
}

func TestContainerProbes(t *testing.T) {
	ctr := startNginx(t)
	ctx := context.Background()

	endpoint, err := ctr.PortEndpoint(ctx, "80/tcp", "http")
	require.NoError(t, err)

	t.Run("http", func(t *testing.T) {
		p := ActivePoll{
			Probe:    HTTPProbe{URL: endpoint + "/"},
			Interval: 100 * time.Millisecond,
			Timeout:  10 * time.Second,
		}
		require.NoError(t, Await(ctx, Target{Name: "nginx"}, p))
	})

	t.Run("tcp", func(t *testing.T) {
		p := ActivePoll{
			Probe:    TCPProbe{Address: strings.TrimPrefix(endpoint, "http://")},
			Interval: 100 * time.Millisecond,
			Timeout:  10 * time.Second,
		}
		require.NoError(t, Await(ctx, Target{Name: "nginx"}, p))
	})

	t.Run("missing path is not ready", func(t *testing.T) {
		p := ActivePoll{
			Probe:    HTTPProbe{URL: endpoint + "/not-there"},
			Interval: 100 * time.Millisecond,
			Timeout:  300 * time.Millisecond,
		}
		err := Await(ctx, Target{Name: "nginx"}, p)
		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Contains(t, timeout.Error(), "404")
	})
}

func TestContainerStoppedIsNotReady(t *testing.T) {
	ctr := startNginx(t)
	ctx := context.Background()

	endpoint, err := ctr.PortEndpoint(ctx, "80/tcp", "")
	require.NoError(t, err)

	timeout := 5 * time.Second
	require.NoError(t, ctr.Stop(ctx, &timeout))

	p := ActivePoll{
		Probe:    TCPProbe{Address: endpoint},
		Interval: 100 * time.Millisecond,
		Timeout:  300 * time.Millisecond,
	}
	assert.Error(t, Await(ctx, Target{Name: "nginx"}, p))
}
