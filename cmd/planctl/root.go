package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	applog "example.com/trainingload/internal/log"
)

type rootOptions struct {
	fixture string
	today   string
	output  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "planctl",
		Short: "Inspect training load and weekly plans for a recorded history",
		Long: `planctl loads a runner fixture (activities and preferences) and runs the same
analysis, risk override and plan generation as the service.

Example:
  planctl analyze -f runner.yaml --today 2025-11-01
  planctl plan -f runner.yaml -o json`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.fixture, "fixture", "f", "", "path to the runner fixture (YAML)")
	cmd.PersistentFlags().StringVar(&opts.today, "today", "", "evaluation date (YYYY-MM-DD), defaults to the fixture's or the current date")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml or json")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline decisions to stderr")
	_ = cmd.MarkPersistentFlagRequired("fixture")

	cmd.AddCommand(newAnalyzeCmd(opts), newPlanCmd(opts))
	return cmd
}

func (o *rootOptions) logger() *zap.SugaredLogger {
	if !o.verbose {
		return zap.NewNop().Sugar()
	}
	logger, err := applog.New("planctl", true)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
