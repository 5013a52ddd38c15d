package spec

import "time"

const (
	DefaultClientEndpoint   = "https://localhost:3002"
	DefaultUpstreamEndpoint = "https://localhost:3004"
)

// Default returns the built-in plan: two servers started through just,
// each considered ready once it logs its listening line, then the latency
// client pointed at both.
func Default() *Plan {
	return &Plan{
		Name:     "myco",
		Resolver: "just",
		Endpoints: Endpoints{
			Client:   DefaultClientEndpoint,
			Upstream: DefaultUpstreamEndpoint,
		},
		Preflight: Preflight{
			Commands: []Prerequisite{{
				Name:        "just",
				VersionArgs: []string{"--version"},
				Hint:        "install just first (brew install just)",
			}},
			Files: []string{"justfile"},
			Ports: []string{"${CLIENT_ADDR}", "${UPSTREAM_ADDR}"},
		},
		Dependencies: []*Stage{
			{
				Name: "server2",
				Task: "server2",
				Readiness: &Readiness{
					Type:     "output",
					Marker:   "Server2 listening on",
					Interval: Duration{100 * time.Millisecond},
					Timeout:  Duration{30 * time.Second},
				},
			},
			{
				Name:  "server1",
				Task:  "server1",
				After: []string{"server2"},
				Readiness: &Readiness{
					Type:     "output",
					Marker:   "Server1 listening on",
					Interval: Duration{100 * time.Millisecond},
					Timeout:  Duration{60 * time.Second},
				},
			},
		},
		Workload: Workload{
			Task: "client",
			Args: []string{"${CLIENT_ENDPOINT}", "${UPSTREAM_ENDPOINT}"},
		},
	}
}
