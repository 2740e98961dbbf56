package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/comfyflow/internal/fallback"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/patcher"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// paramFlags collects runtime parameters from a file and --set overrides.
type paramFlags struct {
	file string
	set  []string
}

func (f *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "params", "p", "", "JSON or YAML parameter file, - for stdin")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "Set a parameter (key=value), repeatable")
}

func (f *paramFlags) load(stdin io.Reader) (params.Parameters, error) {
	raw := map[string]any{}
	if f.file != "" {
		var data []byte
		var err error
		if f.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.file)
		}
		if err != nil {
			return params.Parameters{}, fmt.Errorf("read parameters: %w", err)
		}
		// JSON is valid YAML
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return params.Parameters{}, fmt.Errorf("parse parameters: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	for _, kv := range f.set {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return params.Parameters{}, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params.FromMap(raw)
}

func newRunCmd(a *app) *cobra.Command {
	var pf paramFlags
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a generation with template fallback",
		Example: `  comfyctl run --params request.json
  echo '{"prompt":"a lighthouse at dusk"}' | comfyctl run --params -
  comfyctl run --set prompt="a red fox" --set steps=30 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			e, err := a.engineFor(ctx)
			if err != nil {
				return err
			}

			res, err := e.Executor.Execute(ctx, p)
			if err != nil {
				var failed *fallback.AllCandidatesFailedError
				if errors.As(err, &failed) {
					if a.out.structured() {
						_ = a.out.document(map[string]any{"execution_id": failed.ExecutionID, "attempts": failed.Attempts, "error": err.Error()})
					} else {
						_ = printAttempts(a.out, failed.Attempts)
					}
				}
				return err
			}
			if a.out.structured() {
				return a.out.document(res)
			}
			a.out.line("Execution: %s", res.ExecutionID)
			a.out.line("Workflow:  %s (%s mode, complexity %.2f)", res.Candidate, res.Mode, res.Complexity.Score)
			a.out.line("Duration:  %s", res.TotalDuration.Round(time.Millisecond))
			for _, w := range res.Warnings {
				a.out.line("Warning:   %s", w)
			}
			if res.Result != nil {
				for _, img := range res.Result.Images {
					a.out.line("Image:     %s", e.Client.ArtifactURL(img))
				}
			}
			return printAttempts(a.out, res.Attempts)
		},
	}
	pf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the whole request after this long")
	return cmd
}

func printAttempts(out *printer, attempts []fallback.AttemptRecord) error {
	rows := make([][]string, 0, len(attempts))
	for _, rec := range attempts {
		status := "ok"
		if !rec.Success {
			status = "failed"
		}
		rows = append(rows, []string{
			strconv.Itoa(rec.Attempt),
			rec.Candidate,
			string(rec.Mode),
			status,
			rec.Duration.Round(time.Millisecond).String(),
			rec.Error,
		})
	}
	return out.table([]string{"attempt", "candidate", "mode", "status", "duration", "error"}, rows)
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var pf paramFlags
	var showNodes bool
	cmd := &cobra.Command{
		Use:   "analyze <workflow>",
		Short: "Report the complexity and processing mode of a workflow",
		Long: `Analyze scores a workflow template and reports which processing mode a
request with the given parameters would use. The argument is a file path or the
name of a template in the workflow directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			e, err := a.engineFor(cmd.Context())
			if err != nil {
				return err
			}
			g, err := loadWorkflowArg(cmd.Context(), e.Registry, args[0])
			if err != nil {
				return err
			}
			report, mode := e.Executor.Analyze(g, p)
			if a.out.structured() {
				doc := map[string]any{"complexity": report, "mode": mode}
				if showNodes {
					doc["nodes"] = patcher.ModifiableNodes(g)
				}
				return a.out.document(doc)
			}
			a.out.line("Mode:         %s", mode)
			a.out.line("Score:        %.3f", report.Score)
			a.out.line("Nodes/edges:  %d/%d", report.NodeCount, report.EdgeCount)
			a.out.line("Placeholders: %t", report.HasPlaceholders)
			a.out.line("LoRA: %t  ControlNet: %t  Detailer: %t  Advanced: %t",
				report.HasLoRA, report.HasControlNet, report.HasDetailer, report.HasAdvanced)
			if !showNodes {
				return nil
			}
			var rows [][]string
			for _, n := range patcher.ModifiableNodes(g) {
				for _, in := range n.Inputs {
					rows = append(rows, []string{n.NodeID, n.Type, in.Name, fmt.Sprint(in.Value)})
				}
			}
			return a.out.table([]string{"node", "type", "input", "value"}, rows)
		},
	}
	pf.register(cmd)
	cmd.Flags().BoolVar(&showNodes, "nodes", false, "List the modifiable inputs of every node")
	return cmd
}

func loadWorkflowArg(ctx context.Context, registry *templates.Registry, arg string) (*workflow.Graph, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		g, _, err := templates.LoadFile(filepath.Base(arg), arg)
		return g, err
	}
	return registry.Load(ctx, fallback.Normalize(arg))
}

func newMatchCmd(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "match <name>",
		Short: "Fuzzy-match a resource name against the backend catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := matcher.ParseKind(kind)
			if !ok {
				return fmt.Errorf("unknown resource kind %q", kind)
			}
			e, err := a.engineFor(cmd.Context())
			if err != nil {
				return err
			}
			res, err := e.Resolver.Match(cmd.Context(), k, args[0])
			if err != nil {
				return err
			}
			if a.out.structured() {
				return a.out.document(res)
			}
			if res.Matched {
				a.out.line("%s -> %s (score %.1f)", res.Requested, res.Match, res.Score)
			} else {
				a.out.line("%s: no %s matched", res.Requested, res.Kind)
			}
			rows := make([][]string, 0, len(res.Alternatives))
			for _, alt := range res.Alternatives {
				rows = append(rows, []string{alt.Name, strconv.FormatFloat(alt.Score, 'f', 1, 64), strconv.FormatFloat(alt.Similarity, 'f', 3, 64)})
			}
			if len(rows) > 0 {
				return a.out.table([]string{"alternative", "score", "similarity"}, rows)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(matcher.KindModel), "Resource kind (model|lora|vae|controlnet|sampler|scheduler)")
	return cmd
}

func newCatalogCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "catalog <kind>",
		Short: "List the resources the backend offers for a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := matcher.ParseKind(args[0])
			if !ok {
				return fmt.Errorf("unknown resource kind %q", args[0])
			}
			e, err := a.engineFor(cmd.Context())
			if err != nil {
				return err
			}
			if refresh {
				if _, err := e.Catalog.Refresh(cmd.Context()); err != nil {
					return err
				}
			}
			names, err := e.Catalog.Names(cmd.Context(), k)
			if err != nil {
				return err
			}
			if a.out.structured() {
				return a.out.document(map[string]any{"kind": k, "names": names})
			}
			for _, n := range names {
				a.out.line("%s", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass cached catalogs")
	return cmd
}

func newTemplatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect the workflow template directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engineFor(cmd.Context())
			if err != nil {
				return err
			}
			list := e.Registry.List()
			if a.out.structured() {
				return a.out.document(list)
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				rows = append(rows, []string{s.Name, string(s.Format), strconv.Itoa(s.Nodes), strconv.Itoa(s.Placeholders)})
			}
			return a.out.table([]string{"name", "format", "nodes", "placeholders"}, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [name...]",
		Short: "Validate template structure; all templates when no name is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engineFor(cmd.Context())
			if err != nil {
				return err
			}
			return validateTemplates(a.out, e.Registry, e.Validator, args)
		},
	})
	return cmd
}

type templateReport struct {
	Name     string                      `json:"name"`
	Valid    bool                        `json:"valid"`
	Errors   []templates.ValidationIssue `json:"errors,omitempty"`
	Warnings []templates.ValidationIssue `json:"warnings,omitempty"`
}

func validateTemplates(out *printer, registry *templates.Registry, v *templates.Validator, names []string) error {
	var loadFailures []string
	if err := registry.LoadDirectory(); err != nil {
		var le *templates.LoadError
		if !errors.As(err, &le) {
			return err
		}
		loadFailures = le.Failures
	}
	if len(names) == 0 {
		for _, s := range registry.List() {
			names = append(names, s.Name)
		}
	}

	reports := make([]templateReport, 0, len(names))
	invalid := len(loadFailures)
	for _, name := range names {
		entry, ok := registry.Get(fallback.Normalize(name))
		if !ok {
			reports = append(reports, templateReport{Name: name, Errors: []templates.ValidationIssue{{
				Code: "not_found", Message: "template not loaded", Severity: templates.SeverityError,
			}}})
			invalid++
			continue
		}
		r := v.ValidateStructure(entry.Graph)
		reports = append(reports, templateReport{Name: entry.Name, Valid: r.Valid(), Errors: r.Errors, Warnings: r.Warnings})
		if !r.Valid() {
			invalid++
		}
	}

	if out.structured() {
		if err := out.document(map[string]any{"templates": reports, "load_failures": loadFailures}); err != nil {
			return err
		}
	} else {
		for _, f := range loadFailures {
			out.line("FAIL  %s", f)
		}
		for _, r := range reports {
			status := "ok  "
			if !r.Valid {
				status = "FAIL"
			}
			out.line("%s  %s", status, r.Name)
			for _, issue := range r.Errors {
				out.line("      error: %s", issue.Message)
			}
			for _, issue := range r.Warnings {
				out.line("      warning: %s", issue.Message)
			}
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d template(s) failed validation", invalid)
	}
	return nil
}
