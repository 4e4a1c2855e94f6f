package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/genpool/internal/runner"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/transport/transporttest"
	"github.com/nemanja-m/genpool/internal/workflow"
)

var (
	runTemplate string
	runSets     []string
	runCount    int
	runWeight   int
	runSeedStep int64
	runTimeout  time.Duration
	runDryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a template to the configured workers and wait for the results",
	Long: `Runs --count prompts of one catalog template on the workers listed in the
config file and prints the final job records as JSON. Values given with --set
are parsed as YAML scalars, so numbers and booleans keep their type.`,
	Example: `  # one image
  genpool run --template txt2img --set positive="a lighthouse at dusk"

  # four variations with consecutive seeds
  genpool run --template txt2img --set positive="a cat" --set seed=42 --count 4 --seed-step 1

  # check inputs without any worker
  genpool run --template txt2img --set positive="a cat" --dry-run`,
	Args: cobra.NoArgs,
	RunE: runTemplateCmd,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "", "catalog template name")
	runCmd.Flags().StringArrayVarP(&runSets, "set", "s", nil, "input value as key=value (repeatable)")
	runCmd.Flags().IntVarP(&runCount, "count", "n", 1, "number of prompts to run")
	runCmd.Flags().IntVarP(&runWeight, "weight", "w", 0, "queue weight, lower runs first")
	runCmd.Flags().Int64Var(&runSeedStep, "seed-step", 0, "add index*step to the seed input of each prompt")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-prompt timeout (default from config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "run against an in-process fake worker")
	_ = runCmd.MarkFlagRequired("template")
}

func runTemplateCmd(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	inputs, err := parseSets(runSets)
	if err != nil {
		return err
	}

	catalog, err := workflow.LoadCatalog(cfg.Templates.Patterns)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPool(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout)
		defer cancel()
		_ = p.Close(cctx)
	}()

	if runDryRun {
		entry, err := catalog.Get(runTemplate)
		if err != nil {
			return err
		}
		if _, err := p.AddWorker(dryRunWorker(entry)); err != nil {
			return err
		}
	} else {
		registerWorkers(ctx, p, cfg.Workers, logger)
		if len(p.Workers()) == 0 {
			return fmt.Errorf("no reachable workers")
		}
	}

	r := runner.New(p, catalog, runner.NewInMemoryJobStore(),
		runner.WithStartTimeout(cfg.Pool.StartTimeout),
		runner.WithLogger(logger),
	)
	sub, err := r.Submit(ctx, runner.Request{
		Template: runTemplate,
		Inputs:   inputs,
		Weight:   runWeight,
		Count:    runCount,
		SeedStep: runSeedStep,
		Timeout:  runTimeout,
	})
	if err != nil {
		return err
	}

	records, err := sub.Wait(ctx)
	if err != nil {
		return err
	}
	return report(cmd, records, logger)
}

func report(cmd *cobra.Command, records []*runner.JobRecord, logger logging.Logger) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return err
	}

	failed := 0
	for _, rec := range records {
		if rec.Status == runner.JobStatusFailed {
			failed++
			logger.Error("Job failed", "job_id", rec.ID, "worker_id", rec.WorkerID, "error", rec.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(records))
	}
	return nil
}

// parseSets turns key=value flags into template inputs.
func parseSets(sets []string) (map[string]any, error) {
	inputs := make(map[string]any, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", s)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		switch v.(type) {
		case map[string]any, []any:
			// only scalars are accepted; keep structured text verbatim
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

// dryRunWorker finishes every prompt with one placeholder image per output.
func dryRunWorker(entry *workflow.Entry) *transporttest.Conn {
	outputs := make(map[string]any)
	for _, key := range entry.Template.Outputs() {
		if node, ok := entry.Template.OutputNode(key); ok {
			outputs[node] = transporttest.Images(fmt.Sprintf("%s_%s_00001_.png", entry.Name, key))
		}
	}
	return transporttest.New("dry-run",
		transporttest.WithAddress("http://dry-run"),
		transporttest.WithDefaultScript(
			transporttest.Started(),
			transporttest.Progress("dry-run", 1, 1),
			transporttest.Finished(outputs),
		),
	)
}

