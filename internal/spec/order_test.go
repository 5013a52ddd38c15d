package spec

import (
	"strings"
	"testing"
)

func stage(name string, after ...string) *Stage {
	return &Stage{Name: name, Task: name, After: after}
}

func names(stages []*Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Name
	}
	return out
}

func TestStartOrderKeepsDeclarationOrder(t *testing.T) {
	p := &Plan{Dependencies: []*Stage{stage("a"), stage("b"), stage("c")}}

	order, err := p.StartOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(names(order), ","); got != "a,b,c" {
		t.Errorf("expected a,b,c, got %s", got)
	}
}

func TestStartOrderHonoursAfter(t *testing.T) {
	// declared client-first, but client must follow upstream
	p := &Plan{Dependencies: []*Stage{
		stage("client", "upstream"),
		stage("upstream"),
	}}

	order, err := p.StartOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(names(order), ","); got != "upstream,client" {
		t.Errorf("expected upstream,client, got %s", got)
	}
}

func TestStartOrderDiamond(t *testing.T) {
	p := &Plan{Dependencies: []*Stage{
		stage("d", "b", "c"),
		stage("b", "a"),
		stage("c", "a"),
		stage("a"),
	}}

	order, err := p.StartOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := make(map[string]int)
	for i, s := range order {
		idx[s.Name] = i
	}
	if idx["a"] >= idx["b"] || idx["a"] >= idx["c"] {
		t.Errorf("expected a before b and c, got %v", idx)
	}
	if idx["b"] >= idx["d"] || idx["c"] >= idx["d"] {
		t.Errorf("expected b and c before d, got %v", idx)
	}
}

func TestStartOrderCycle(t *testing.T) {
	p := &Plan{Dependencies: []*Stage{
		stage("a", "c"),
		stage("b", "a"),
		stage("c", "b"),
	}}

	if _, err := p.StartOrder(); err == nil {
		t.Fatal("expected cycle error")
	}
}
