package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestRunnerReturnsOneOutcomePerTarget(t *testing.T) {
	stub := newStubProvider()
	stub.failEnvs["jammy-1"] = true

	targets := make([]Target, 0, 4)
	for i := 0; i < 4; i++ {
		targets = append(targets, Target{Name: fmt.Sprintf("jammy-%d", i), Image: "img"})
	}

	r := NewRunner(stub, nil, 2, false, discard())
	outcomes := r.Run(context.Background(), trivialTestlet(), targets)

	if len(outcomes) != len(targets) {
		t.Fatalf("expected %d outcomes, got %d", len(targets), len(outcomes))
	}
	for _, target := range targets {
		outcome, ok := outcomes[target.Name]
		if !ok {
			t.Fatalf("missing outcome for %s", target.Name)
		}
		if outcome.Err != nil {
			t.Fatalf("%s: unexpected harness error: %v", target.Name, outcome.Err)
		}
		if target.Name == "jammy-1" {
			if outcome.Result.ExitCode == 0 {
				t.Fatalf("expected jammy-1 to fail: %#v", outcome.Result)
			}
			continue
		}
		if outcome.Result.ExitCode != 0 {
			t.Fatalf("%s affected by jammy-1's failure: %#v", target.Name, outcome.Result)
		}
		if !strings.Contains(outcome.Result.Stdout, target.Name) {
			t.Fatalf("%s: result not from its own environment: %#v", target.Name, outcome.Result)
		}
	}
}

func TestRunnerIsolatesHarnessErrors(t *testing.T) {
	stub := newStubProvider()
	stub.executeErr = errOutage

	r := NewRunner(stub, nil, 0, false, discard())
	outcomes := r.Run(context.Background(), trivialTestlet(), []Target{
		{Name: "a", Image: "img"},
		{Name: "b", Image: "img"},
	})

	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for name, outcome := range outcomes {
		if outcome.Err == nil {
			t.Fatalf("%s: expected harness error", name)
		}
		if outcome.Result.ExitCode != -1 {
			t.Fatalf("%s: expected sentinel exit code, got %d", name, outcome.Result.ExitCode)
		}
		if outcome.Result.Environment != name {
			t.Fatalf("%s: outcome misattributed: %#v", name, outcome.Result)
		}
	}
}

func TestRunnerHonorsWorkerEnvOverride(t *testing.T) {
	t.Setenv(WorkersEnvVar, "3")
	r := NewRunner(newStubProvider(), nil, 1, false, discard())
	if r.maxWorkers != 3 {
		t.Fatalf("expected env override to win, got %d", r.maxWorkers)
	}

	t.Setenv(WorkersEnvVar, "not-a-number")
	r = NewRunner(newStubProvider(), nil, 5, false, discard())
	if r.maxWorkers != 5 {
		t.Fatalf("invalid override must fall back, got %d", r.maxWorkers)
	}
}

var errOutage = fmt.Errorf("simulated provider outage")
