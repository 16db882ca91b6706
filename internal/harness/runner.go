package harness

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"cleanroom/internal/hooks"
	"cleanroom/internal/logging"
	"cleanroom/internal/provider"
	"cleanroom/internal/testlet"
)

// WorkersEnvVar overrides the runner's worker bound. It is read once at
// construction.
const WorkersEnvVar = "CLEANROOM_MAX_WORKERS"

// Outcome is one environment's entry in a parallel run. Err is set when the
// harness failed; the Result then carries a sentinel exit code of -1 unless
// execution had already produced one.
type Outcome struct {
	Result    Result
	Artifacts []string
	Err       error
}

// Runner fans a harness out across named environments with a bounded worker
// pool. A worker slot is held for the full harness lifetime of one
// environment.
type Runner struct {
	provider   provider.Provider
	hooks      *hooks.Registry
	preserve   bool
	maxWorkers int
	logger     *slog.Logger
}

// NewRunner builds a runner. maxWorkers <= 0 means one worker per
// environment; the CLEANROOM_MAX_WORKERS environment variable, when set to a
// positive integer, takes precedence over the argument.
func NewRunner(p provider.Provider, reg *hooks.Registry, maxWorkers int, preserve bool, logger *slog.Logger) *Runner {
	if raw := os.Getenv(WorkersEnvVar); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxWorkers = n
		}
	}
	return &Runner{
		provider:   p,
		hooks:      reg,
		preserve:   preserve,
		maxWorkers: maxWorkers,
		logger:     logging.Ensure(logger).With("component", "runner"),
	}
}

// Run executes the testlet once per target environment and blocks until
// every harness reaches a terminal state. The returned map has exactly one
// entry per target name; one environment's failure never cancels the others.
// Completion order between environments is deliberately unspecified.
func (r *Runner) Run(ctx context.Context, tl testlet.Testlet, targets []Target) map[string]Outcome {
	return r.fanOut(len(targets), func(i int) (string, Outcome) {
		h := New(r.provider, r.hooks, r.preserve, r.logger)
		report, err := h.Run(ctx, tl, targets[i])
		return targets[i].Name, toOutcome(targets[i].Name, report, err)
	})
}

// RunExisting executes the testlet against environments that already exist,
// leaving them alive afterwards.
func (r *Runner) RunExisting(ctx context.Context, tl testlet.Testlet, envs []provider.Environment) map[string]Outcome {
	return r.fanOut(len(envs), func(i int) (string, Outcome) {
		h := New(r.provider, r.hooks, r.preserve, r.logger)
		report, err := h.RunExisting(ctx, tl, envs[i])
		return envs[i].Name, toOutcome(envs[i].Name, report, err)
	})
}

func (r *Runner) fanOut(n int, work func(i int) (string, Outcome)) map[string]Outcome {
	workers := r.maxWorkers
	if workers <= 0 || workers > n {
		workers = n
	}

	outcomes := make(map[string]Outcome, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	slots := make(chan struct{}, max(workers, 1))

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			name, outcome := work(i)
			mu.Lock()
			outcomes[name] = outcome
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return outcomes
}

func toOutcome(name string, report Report, err error) Outcome {
	outcome := Outcome{Result: report.Result, Artifacts: report.Artifacts, Err: err}
	if err != nil && outcome.Result.Environment == "" {
		outcome.Result = Result{Environment: name, ExitCode: -1}
	}
	return outcome
}
