package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cleanroom/internal/archon"
	"cleanroom/internal/artifacts"
	"cleanroom/internal/config"
	"cleanroom/internal/harness"
	"cleanroom/internal/hooks"
	"cleanroom/internal/logging"
	"cleanroom/internal/netsetup"
	"cleanroom/internal/packages"
	"cleanroom/internal/provider"
	libvirtprovider "cleanroom/internal/provider/libvirt"
	"cleanroom/internal/provider/local"
	"cleanroom/internal/testlet"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		var exitErr *testletFailure
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// testletFailure carries a testlet's non-zero exit status out of cobra so
// main can mirror it as the process exit code.
type testletFailure struct {
	code int
}

func (e *testletFailure) Error() string {
	return fmt.Sprintf("testlet exited with status %d", e.code)
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		logJSON    bool
		configPath string
	)

	root := &cobra.Command{
		Use:           "cleanroom",
		Short:         "Run tests inside ephemeral, isolated environments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of the CLI format")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the cleanroom configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		if logJSON {
			slog.SetDefault(logging.NewJSON(os.Stderr, levelVar))
		}
		return nil
	}

	loadConfig := func() (config.Config, error) {
		if configPath == "" {
			return config.Default(), nil
		}
		return config.Load(configPath)
	}

	root.AddCommand(
		newRunCommand(loadConfig),
		newExecCommand(loadConfig),
		newSetupCommand(),
	)
	return root
}

func buildProvider(cfg config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.KindLocal:
		return local.New(cfg.LocalBaseDir), nil
	case config.KindLibvirt:
		return &libvirtprovider.Provider{
			URI:      cfg.Libvirt.URI,
			Network:  cfg.Libvirt.Network,
			BaseDir:  cfg.Libvirt.BaseDir,
			ImageDir: cfg.Libvirt.ImageDir,
			Logger:   logger.With("provider", "libvirt"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider)
	}
}

func newRunCommand(loadConfig func() (config.Config, error)) *cobra.Command {
	var (
		targets     []string
		interpreter string
		envVars     []string
		pushSpecs   []string
		pullSpecs   []string
		aptPackages []string
		preserve    bool
	)

	cmd := &cobra.Command{
		Use:   "run <testlet-file>",
		Args:  cobra.ExactArgs(1),
		Short: "Run a testlet inside one or more fresh environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read testlet %s: %w", args[0], err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if preserve {
				cfg.Preserve = true
			}

			env, err := parsePairs(envVars)
			if err != nil {
				return fmt.Errorf("parse --env: %w", err)
			}

			tl := testlet.Testlet{
				Name:        testletName(args[0]),
				Interpreter: interpreter,
				Source:      string(source),
				Env:         env,
			}

			registry, err := buildRegistry(aptPackages, pushSpecs, pullSpecs)
			if err != nil {
				return err
			}

			parsed, err := parseTargets(targets, cfg)
			if err != nil {
				return err
			}

			prov, err := buildProvider(cfg, logger)
			if err != nil {
				return err
			}

			runLogger := logger.With("command", "run")

			if len(parsed) == 1 {
				h := harness.New(prov, registry, cfg.Preserve, runLogger)
				report, err := h.Run(cmd.Context(), tl, parsed[0])
				if err != nil {
					return err
				}
				printReport(cmd, report)
				if report.Result.ExitCode != 0 {
					return &testletFailure{code: report.Result.ExitCode}
				}
				return nil
			}

			runner := harness.NewRunner(prov, registry, cfg.MaxWorkers, cfg.Preserve, runLogger)
			outcomes := runner.Run(cmd.Context(), tl, parsed)

			failed := 0
			for _, name := range sortedKeys(outcomes) {
				outcome := outcomes[name]
				if outcome.Err != nil {
					logger.Error("environment failed", "environment", name, "error", outcome.Err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\texit=%d\n", name, outcome.Result.ExitCode)
				if outcome.Result.ExitCode != 0 {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d environments failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&targets, "target", "t", nil, "Environment to run in, as name=image; repeat for parallel runs")
	cmd.Flags().StringVarP(&interpreter, "interpreter", "i", "python3", "Interpreter used to execute the testlet")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Environment variable for the testlet, as KEY=VALUE; repeatable")
	cmd.Flags().StringArrayVar(&pushSpecs, "push", nil, "File or directory to upload before execution, as src:dest; repeatable")
	cmd.Flags().StringArrayVar(&pullSpecs, "pull", nil, "Remote file to download after execution, as src:dest; end src with / for a directory; repeatable")
	cmd.Flags().StringArrayVar(&aptPackages, "package", nil, "Apt package to install before execution; repeatable")
	cmd.Flags().BoolVar(&preserve, "preserve", false, "Keep environments alive after the run")

	return cmd
}

func buildRegistry(aptPackages, pushSpecs, pullSpecs []string) (*hooks.Registry, error) {
	registry := hooks.NewRegistry()

	start := hooks.StartHook{Name: "cli-start"}
	for _, pkg := range aptPackages {
		start.Packages = append(start.Packages, packages.Apt(pkg))
	}
	for _, spec := range pushSpecs {
		inj, err := parseUpload(spec)
		if err != nil {
			return nil, fmt.Errorf("parse --push: %w", err)
		}
		start.Uploads = append(start.Uploads, inj)
	}
	if len(start.Packages) > 0 || len(start.Uploads) > 0 {
		if err := registry.RegisterStart(start); err != nil {
			return nil, err
		}
	}

	if len(pullSpecs) > 0 {
		stop := hooks.StopHook{Name: "cli-stop"}
		for _, spec := range pullSpecs {
			inj, err := parseDownload(spec)
			if err != nil {
				return nil, fmt.Errorf("parse --pull: %w", err)
			}
			stop.Downloads = append(stop.Downloads, inj)
		}
		if err := registry.RegisterStop(stop); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newExecCommand(loadConfig func() (config.Config, error)) *cobra.Command {
	var image string

	cmd := &cobra.Command{
		Use:   "exec <name> -- <command> [args...]",
		Args:  cobra.MinimumNArgs(2),
		Short: "Provision a named environment and run a command in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			prov, err := buildProvider(cfg, logger)
			if err != nil {
				return err
			}

			director := archon.New(prov, logger.With("command", "exec"))
			name := args[0]
			if err := director.Add(cmd.Context(), []string{name}, cfg.Image(image), archon.AddOptions{}); err != nil {
				return err
			}
			defer func() {
				if err := director.Destroy(cmd.Context()); err != nil {
					logger.Warn("teardown incomplete", "error", err)
				}
			}()

			results, err := director.Execute(cmd.Context(), []string{name}, args[1:])
			if err != nil {
				return err
			}
			res := results[name]
			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return &testletFailure{code: res.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "jammy", "Image alias or reference for the environment")

	return cmd
}

func newSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare host resources for the libvirt provider",
	}
	cmd.AddCommand(newSetupNetworkCommand())
	return cmd
}

func newSetupNetworkCommand() *cobra.Command {
	var (
		bridge      string
		gatewayCIDR string
		create      bool
	)

	cmd := &cobra.Command{
		Use:   "network",
		Short: "Ensure the environment bridge and host forwarding are in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			netCfg := netsetup.DefaultConfig
			if bridge != "" {
				netCfg.Bridge = bridge
			}
			if gatewayCIDR != "" {
				netCfg.GatewayCIDR = gatewayCIDR
			}
			if create {
				netCfg.WaitForBridge = false
			}
			if err := netsetup.Prepare(netCfg, logger.With("command", "setup.network")); err != nil {
				return err
			}
			logger.Info("network setup completed", "bridge", netCfg.Bridge)
			return nil
		},
	}

	cmd.Flags().StringVar(&bridge, "bridge", "", "Bridge device name (defaults to "+netsetup.DefaultConfig.Bridge+")")
	cmd.Flags().StringVar(&gatewayCIDR, "gateway", "", "Gateway address in CIDR form (defaults to "+netsetup.DefaultConfig.GatewayCIDR+")")
	cmd.Flags().BoolVar(&create, "create-bridge", false, "Create the bridge instead of waiting for libvirt to create it")

	return cmd
}

func printReport(cmd *cobra.Command, report harness.Report) {
	fmt.Fprint(cmd.OutOrStdout(), report.Result.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), report.Result.Stderr)
	for _, artifact := range report.Artifacts {
		fmt.Fprintf(cmd.ErrOrStderr(), "collected %s\n", artifact)
	}
}

func testletName(path string) string {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndexByte(base, '.'); idx > 0 {
		base = base[:idx]
	}
	return base
}

func parseTargets(specs []string, cfg config.Config) ([]harness.Target, error) {
	if len(specs) == 0 {
		return []harness.Target{{Name: "env-0", Image: cfg.Image("jammy")}}, nil
	}
	targets := make([]harness.Target, 0, len(specs))
	for _, spec := range specs {
		name, image, ok := strings.Cut(spec, "=")
		if !ok || name == "" || image == "" {
			return nil, fmt.Errorf("invalid target %q: expected name=image", spec)
		}
		targets = append(targets, harness.Target{Name: name, Image: cfg.Image(image)})
	}
	return targets, nil
}

// parseUpload reads a --push spec. The source is local, so its kind can be
// read off the filesystem.
func parseUpload(spec string) (artifacts.Injectable, error) {
	src, dest, err := splitSpec(spec)
	if err != nil {
		return artifacts.Injectable{}, err
	}
	info, err := os.Stat(src)
	if err == nil && info.IsDir() {
		return artifacts.NewDir(src, dest), nil
	}
	return artifacts.NewFile(src, dest), nil
}

// parseDownload reads a --pull spec. The source lives inside the environment
// where the CLI cannot stat it, so a trailing slash marks a directory.
func parseDownload(spec string) (artifacts.Injectable, error) {
	src, dest, err := splitSpec(spec)
	if err != nil {
		return artifacts.Injectable{}, err
	}
	if trimmed := strings.TrimSuffix(src, "/"); trimmed != src && trimmed != "" {
		return artifacts.NewDir(trimmed, dest), nil
	}
	return artifacts.NewFile(src, dest), nil
}

func splitSpec(spec string) (string, string, error) {
	src, dest, ok := strings.Cut(spec, ":")
	if !ok || src == "" || dest == "" {
		return "", "", fmt.Errorf("invalid artifact %q: expected src:dest", spec)
	}
	return src, dest, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid pair %q: expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

func sortedKeys(m map[string]harness.Outcome) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
