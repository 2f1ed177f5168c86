package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/queue"
	"github.com/probatio/probatio/internal/server"
	sig "github.com/probatio/probatio/internal/signal"
)

var (
	serveCorpus    string
	serveScanEvery time.Duration
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Probatio API server and pipeline workers",
	Long: `Serve starts the HTTP API, the stage workers that advance analysis
runs through the pipeline, and the periodic emerging-signal scan.

Example:
  probatio serve
  probatio serve --corpus ./corpus.json --scan-every 1h`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveCorpus, "corpus", "", "JSON file of sources for the local search provider")
	serveCmd.Flags().DurationVar(&serveScanEvery, "scan-every", time.Hour, "emerging-signal scan interval (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, serveCorpus)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.queue.Start(ctx)
	if serveScanEvery > 0 {
		go scheduleScans(ctx, a, serveScanEvery)
	}

	srv := server.NewServer(a.store, a.orch, a.queue, cfg.Server, a.logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	a.queue.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// scheduleScans enqueues a signal scan each interval. The idempotency
// key covers one interval, so restarts within it do not double-scan.
func scheduleScans(ctx context.Context, a *app, every time.Duration) {
	payload, err := queue.Encode(queue.Envelope{Kind: queue.KindSignalScan})
	if err != nil {
		a.logger.Error("encode scan payload", zap.Error(err))
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		key := fmt.Sprintf("signal_scan:%d", time.Now().UTC().Truncate(every).Unix())
		if _, err := a.queue.Enqueue(ctx, sig.ScanQueue, payload, queue.Options{IdempotencyKey: key}); err != nil {
			a.logger.Warn("enqueue signal scan", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
