package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lexatlas/lexrag/pkg/cluster"
	"github.com/lexatlas/lexrag/pkg/ingest"
	"github.com/lexatlas/lexrag/pkg/logging"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Build and maintain the regulatory corpus",
	Long: `Runs the document ingestion pipeline: extract text and metadata,
split into article-aligned chunks, enrich with titles and summaries, embed
and insert into the chunk store.

Every stage is checkpointed per document, so interrupted runs resume where
they stopped. Chunks whose insert fails are quarantined for later retry.`,
}

var ingestProcessCmd = &cobra.Command{
	Use:   "process [files...]",
	Short: "Process documents into the corpus",
	Long: `Processes the given files, or every supported file in --folder.
Supported formats: PDF (native and scanned), DOCX, PNG, JPEG.

Example:
  lexrag ingest process --folder ./normas --concurrent 2
  lexrag ingest process ley_29733.pdf reglamento.pdf`,
	RunE: runIngestProcess,
}

var ingestResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume interrupted document runs",
	Long: `Finds checkpoints that are neither completed nor failed and drives
each document through its remaining stages.`,
	RunE: runIngestResume,
}

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion status",
	RunE:  runIngestStatus,
}

var ingestRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Retry quarantined chunk inserts",
	Long: `Re-attempts every chunk in the pending-chunks quarantine. Chunks
that fail again stay quarantined with an incremented retry count; documents
whose quarantine drains are marked ingested.`,
	RunE: runIngestRetry,
}

var ingestReclusterCmd = &cobra.Command{
	Use:   "recluster",
	Short: "Recompute corpus cluster assignments",
	Long: `Runs K-Means over the embeddings of every vigente chunk and writes
the cluster ids back. Cluster ids feed the retriever's cluster fan-out, so
rerun this after large ingests.`,
	RunE: runIngestRecluster,
}

var ingestMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the corpus schema (postgres only)",
	RunE:  runIngestMigrate,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.AddCommand(ingestProcessCmd)
	ingestCmd.AddCommand(ingestResumeCmd)
	ingestCmd.AddCommand(ingestStatusCmd)
	ingestCmd.AddCommand(ingestRetryCmd)
	ingestCmd.AddCommand(ingestReclusterCmd)
	ingestCmd.AddCommand(ingestMigrateCmd)

	ingestProcessCmd.Flags().StringP("folder", "f", "", "process every supported file in this folder")
	ingestProcessCmd.Flags().IntP("concurrent", "c", 0, "parallel document pipelines (0 = config default)")

	ingestStatusCmd.Flags().String("report", "", "also write the full JSON report to this file")

	ingestReclusterCmd.Flags().IntP("clusters", "k", 0, "number of clusters (0 = auto)")
}

// ingestContext wires a pipeline and a signal-cancelled context.
func ingestContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, checkpoints are saved")
		cancel()
	}()
	return ctx, cancel
}

func runIngestProcess(cmd *cobra.Command, args []string) error {
	folder, _ := cmd.Flags().GetString("folder")
	concurrent, _ := cmd.Flags().GetInt("concurrent")

	if len(args) == 0 && folder == "" {
		return fmt.Errorf("nothing to process: pass files or --folder")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := ingestContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.newPipeline(concurrent)
	if err != nil {
		return err
	}

	paths := args
	if folder != "" {
		found, err := ingest.ScanFolder(folder)
		if err != nil {
			return fmt.Errorf("scanning folder: %w", err)
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		fmt.Println("No supported documents found.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Processing %d documents...\n", len(paths))

	bar := progressbar.NewOptions64(
		int64(len(paths)),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	var lastDone int64
	progress := func(stats ingest.Stats) {
		done := stats.Completed + stats.Failed
		if delta := done - lastDone; delta > 0 {
			_ = bar.Add64(delta)
			lastDone = done
		}
	}

	stats, err := pipeline.ProcessAll(ctx, paths, progress)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("processing documents: %w", err)
	}

	printIngestSummary(stats)
	if stats.Failed > 0 {
		return fmt.Errorf("%d documents failed; see 'lexrag ingest status'", stats.Failed)
	}
	return nil
}

func printIngestSummary(stats *ingest.Stats) {
	fmt.Println()
	fmt.Println("=== Ingest Complete ===")
	fmt.Println()
	fmt.Printf("Documents processed: %d\n", stats.Documents)
	fmt.Printf("Completed:           %d\n", stats.Completed)
	fmt.Printf("Failed:              %d\n", stats.Failed)
	fmt.Printf("Chunks inserted:     %d\n", stats.ChunksInserted)
	if stats.ChunksQuarantined > 0 {
		fmt.Printf("Chunks quarantined:  %d (retry with 'lexrag ingest retry-failed')\n", stats.ChunksQuarantined)
	}
	fmt.Printf("Duration:            %v\n", stats.Duration().Round(time.Millisecond))
	fmt.Println()
}

func runIngestResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := ingestContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.newPipeline(0)
	if err != nil {
		return err
	}

	resumed, err := pipeline.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming: %w", err)
	}
	if resumed == 0 {
		fmt.Println("Nothing to resume.")
		return nil
	}
	fmt.Printf("Resumed %d documents.\n", resumed)
	return nil
}

func runIngestStatus(cmd *cobra.Command, args []string) error {
	reportPath, _ := cmd.Flags().GetString("report")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.newPipeline(0)
	if err != nil {
		return err
	}

	report, err := pipeline.Status()
	if err != nil {
		return fmt.Errorf("building status: %w", err)
	}

	fmt.Println(report.SummaryLine())
	for _, doc := range report.Documents {
		line := fmt.Sprintf("  %-14s %5.1f%%  %s", doc.Stage, doc.Progress*100, doc.DocID)
		if doc.Title != "" {
			line += "  " + doc.Title
		}
		fmt.Println(line)
		if doc.Error != "" {
			fmt.Printf("      error: %s\n", doc.Error)
		}
	}

	if reportPath != "" {
		if err := pipeline.WriteStatusReport(reportPath); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("Full report written to %s\n", reportPath)
	}
	return nil
}

func runIngestRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := ingestContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.newPipeline(0)
	if err != nil {
		return err
	}

	files, err := pipeline.ListQuarantine()
	if err != nil {
		return fmt.Errorf("listing quarantine: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("Quarantine is empty.")
		return nil
	}

	var succeeded, stillFailing int
	for _, path := range files {
		result, err := pipeline.RetryFailed(ctx, path)
		if err != nil {
			return fmt.Errorf("retrying %s: %w", path, err)
		}
		succeeded += result.Succeeded
		stillFailing += result.StillFailing
	}

	fmt.Printf("Retried %d files: %d chunks inserted, %d still failing.\n",
		len(files), succeeded, stillFailing)
	if stillFailing > 0 {
		return fmt.Errorf("%d chunks remain quarantined", stillFailing)
	}
	return nil
}

func runIngestRecluster(cmd *cobra.Command, args []string) error {
	k, _ := cmd.Flags().GetInt("clusters")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := ingestContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := cluster.New(cluster.Config{K: k}, logging.Component(a.log, "cluster"))

	fmt.Fprintf(os.Stderr, "Reclustering corpus %q...\n", cfg.Retrieval.Corpus)
	result, err := engine.Recluster(ctx, a.store, cfg.Retrieval.Corpus)
	if err != nil {
		return fmt.Errorf("reclustering: %w", err)
	}

	fmt.Printf("Clustered %d chunks into %d clusters (%d updated, %d unchanged) in %v.\n",
		result.Chunks, result.Clusters, result.Updated, result.Skipped,
		result.Duration.Round(time.Millisecond))
	return nil
}

func runIngestMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	migrator, ok := a.store.(interface {
		Migrate(ctx context.Context, corpus string) error
	})
	if !ok {
		return fmt.Errorf("store backend %q does not support migrations", cfg.Store.Backend)
	}

	if err := migrator.Migrate(ctx, cfg.Retrieval.Corpus); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	fmt.Printf("Schema ready for corpus %q.\n", cfg.Retrieval.Corpus)
	return nil
}
