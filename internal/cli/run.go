package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/pipeline"
)

var (
	runCorpus     string
	runMode       string
	runMaxSources int
	runTimeout    time.Duration
	runOut        string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <question>",
	Short: "Run one analysis to completion and print the brief",
	Long: `Run drives a single research question through the full pipeline
without starting the API server, then prints the published brief.

Example:
  probatio run "do heat pumps reduce residential carbon emissions" --corpus ./corpus.json
  probatio run "..." --mode multi_perspective --out brief.md`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runCorpus, "corpus", "", "JSON file of sources for the local search provider")
	runCmd.Flags().StringVar(&runMode, "mode", string(model.ModeSingleBrief), "analysis mode (single_brief, multi_perspective)")
	runCmd.Flags().IntVar(&runMaxSources, "max-sources", 0, "cap on sources considered (0 uses the configured default)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "overall run timeout")
	runCmd.Flags().StringVar(&runOut, "out", "", "write the brief to this path instead of stdout")
}

func runOnce(cmd *cobra.Command, args []string) error {
	question := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, runCorpus)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	a.queue.Start(ctx)
	defer a.queue.Stop()

	run, err := a.orch.StartRun(ctx, pipeline.StartRequest{
		Question:   question,
		Mode:       model.RunMode(runMode),
		MaxSources: runMaxSources,
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Run %s started\n", run.ID)
	}

	final, err := awaitRun(ctx, a, run.ID)
	if err != nil {
		return err
	}

	switch final.Status {
	case model.StatusPublished:
		if runOut != "" {
			if err := os.WriteFile(runOut, []byte(final.Brief), 0644); err != nil {
				return fmt.Errorf("write brief: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Brief written to %s\n", runOut)
		} else {
			fmt.Println(final.Brief)
		}
		return nil
	case model.StatusRejected:
		return fmt.Errorf("run rejected: %s", final.LastError)
	default:
		return fmt.Errorf("run failed: %s", final.LastError)
	}
}

// awaitRun polls the store until the run reaches a terminal status.
func awaitRun(ctx context.Context, a *app, runID string) (*model.AnalysisRun, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "  %s\n", run.Status)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run %s did not finish before the deadline (last stage %s)", runID, run.Status)
		case <-ticker.C:
		}
	}
}
