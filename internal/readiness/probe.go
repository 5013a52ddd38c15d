package readiness

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os/exec"
)

// Probe is a single readiness check. Check returns nil when the target is
// ready.
type Probe interface {
	Check(ctx context.Context, t Target) error
	String() string
}

// TCPProbe passes once Address accepts a connection.
type TCPProbe struct {
	Address string
}

func (p TCPProbe) Check(ctx context.Context, _ Target) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func (p TCPProbe) String() string { return "tcp " + p.Address }

// HTTPProbe passes once a GET to URL returns a 2xx status.
type HTTPProbe struct {
	URL string
	// Insecure skips certificate verification, for services on localhost
	// with self-signed certificates.
	Insecure bool
	Client   *http.Client
}

func (p HTTPProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	if !p.Insecure {
		return http.DefaultClient
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: transport}
}

func (p HTTPProbe) Check(ctx context.Context, _ Target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func (p HTTPProbe) String() string { return "http " + p.URL }

// ExecProbe passes once Command, run through sh, exits 0.
type ExecProbe struct {
	Command string
	Dir     string
	Env     []string
}

func (p ExecProbe) Check(ctx context.Context, _ Target) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func (p ExecProbe) String() string { return "exec " + p.Command }

// OutputProbe passes once the target has printed a line containing Marker.
type OutputProbe struct {
	Marker string
}

func (p OutputProbe) Check(_ context.Context, t Target) error {
	if t.Output == nil {
		return fmt.Errorf("output of %s is not captured", t.Name)
	}
	if !t.Output.Contains(p.Marker) {
		return fmt.Errorf("waiting for %q in output", p.Marker)
	}
	return nil
}

func (p OutputProbe) String() string { return fmt.Sprintf("output %q", p.Marker) }
