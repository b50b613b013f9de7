package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexatlas/lexrag/pkg/orchestrator"
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Answer a regulatory question from the command line",
	Long: `Runs one question through the full pipeline: planning, optional query
understanding, hybrid retrieval and answer composition.

Example:
  lexrag query "¿Cuáles son las obligaciones del titular del banco de datos?"

With --session the turn is appended to an existing conversation, so
follow-up questions keep their context.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringP("user", "u", "cli", "user id for session ownership")
	queryCmd.Flags().StringP("session", "s", "", "session id to continue (empty = new session)")
	queryCmd.Flags().Bool("show-stats", false, "print agent and timing details")
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	userID, _ := cmd.Flags().GetString("user")
	sessionID, _ := cmd.Flags().GetString("session")
	showStats, _ := cmd.Flags().GetBool("show-stats")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCancelled")
		cancel()
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	answer, err := a.orch.Ask(ctx, orchestrator.Request{
		Query:     query,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("answering query: %w", err)
	}

	fmt.Println(answer.Response)

	if answer.ReportPath != "" {
		fmt.Fprintf(os.Stderr, "\nReporte generado: %s\n", answer.ReportPath)
	}

	if showStats {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Agent:      %s\n", answer.AgentUsed)
		fmt.Fprintf(os.Stderr, "Session:    %s\n", answer.SessionID)
		fmt.Fprintf(os.Stderr, "Cached:     %v\n", answer.Cached)
		if answer.SubQueries > 0 {
			fmt.Fprintf(os.Stderr, "Subqueries: %d\n", answer.SubQueries)
		}
		fmt.Fprintf(os.Stderr, "Duration:   %v\n", time.Since(start).Round(time.Millisecond))
	}

	return nil
}
