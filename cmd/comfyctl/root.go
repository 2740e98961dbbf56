package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/config"
	"github.com/Kocoro-lab/comfyflow/internal/server"
)

// globalFlags holds flags available to all commands.
type globalFlags struct {
	configFile string
	output     string
	verbose    bool
	backendURL string
	workflows  string
}

// app is the state shared by the commands of one invocation.
type app struct {
	flags  globalFlags
	cfg    *config.Config
	logger *zap.Logger
	out    *printer
	engine *server.Engine
}

// Execute runs the command tree with signal handling.
func Execute(ctx context.Context, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "comfyctl",
		Short: "Run and inspect workflow generations against a ComfyUI backend",
		Long: `comfyctl renders workflow templates with runtime parameters, submits them
to a ComfyUI backend with template fallback, and inspects templates, complexity
and the backend's resource catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(stdout)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "Path to config file (default: $CONFIG_PATH or "+config.DefaultPath+")")
	pf.StringVarP(&a.flags.output, "output", "o", "text", "Output format (text|json|yaml)")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "Enable debug logging to stderr")
	pf.StringVar(&a.flags.backendURL, "backend", "", "Override the backend base URL")
	pf.StringVar(&a.flags.workflows, "workflows", "", "Override the workflow template directory")

	root.AddCommand(
		newRunCmd(a),
		newAnalyzeCmd(a),
		newMatchCmd(a),
		newTemplatesCmd(a),
		newCatalogCmd(a),
	)
	return root
}

func (a *app) setup(stdout io.Writer) error {
	out, err := newPrinter(stdout, a.flags.output)
	if err != nil {
		return err
	}
	a.out = out

	cfg, err := config.Load(a.flags.configFile)
	if err != nil {
		return err
	}
	if a.flags.backendURL != "" {
		cfg.Backend.BaseURL = a.flags.backendURL
	}
	if a.flags.workflows != "" {
		cfg.Workflows.Dir = a.flags.workflows
	}
	if _, err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	a.logger = zap.NewNop()
	if a.flags.verbose || cfg.Debug {
		if a.logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	return nil
}

// engineFor builds the engine on first use.
func (a *app) engineFor(ctx context.Context) (*server.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	e, err := server.Build(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.engine = e
	return e, nil
}
