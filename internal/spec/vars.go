package spec

import (
	"maps"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
)

// Vars returns the substitution variables available to stage arguments,
// environment values, probe addresses and preflight ports.
func (p *Plan) Vars() map[string]string {
	vars := map[string]string{
		"CLIENT_ENDPOINT":   p.Endpoints.Client,
		"UPSTREAM_ENDPOINT": p.Endpoints.Upstream,
		"CLIENT_ADDR":       hostPort(p.Endpoints.Client),
		"UPSTREAM_ADDR":     hostPort(p.Endpoints.Upstream),
	}
	maps.Copy(vars, p.Workload.IterationVars())
	return vars
}

// IterationVars returns the iteration counts the plan sets. A zero count is
// left out so the workload applies its own default.
func (w Workload) IterationVars() map[string]string {
	vars := make(map[string]string, 2)
	if w.Warmup > 0 {
		vars["WARMUP_ITERATIONS"] = strconv.Itoa(w.Warmup)
	}
	if w.Iterations > 0 {
		vars["MEASURED_ITERATIONS"] = strconv.Itoa(w.Iterations)
	}
	return vars
}

// Expand substitutes ${VAR} and $VAR references. Names not in vars fall
// back to the process environment.
func Expand(s string, vars map[string]string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

// ExpandAll applies Expand to each element of a copy of ss.
func ExpandAll(ss []string, vars map[string]string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Expand(s, vars)
	}
	return out
}

// EnvList renders an env map as sorted KEY=VALUE pairs with values expanded.
func EnvList(env map[string]string, vars map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+Expand(env[k], vars))
	}
	return out
}

// hostPort extracts host:port from an endpoint URL, filling in the scheme's
// default port. Bare host:port strings are returned unchanged.
func hostPort(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
