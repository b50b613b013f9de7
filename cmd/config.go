package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexatlas/lexrag/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage lexrag configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented configuration template",
	Long: `Writes a lexrag.yaml template with every setting and its default.
Secrets reference environment variables (${OPENAI_API_KEY}) so the file can
be committed.`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringP("output", "o", "lexrag.yaml", "output file")
	configInitCmd.Flags().Bool("stdout", false, "print the template instead of writing a file")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	toStdout, _ := cmd.Flags().GetBool("stdout")
	force, _ := cmd.Flags().GetBool("force")

	template := config.GenerateTemplate()

	if toStdout {
		fmt.Print(template)
		return nil
	}

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	if err := os.WriteFile(output, []byte(template), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	fmt.Printf("Wrote %s\n", output)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := "lexrag.yaml"
	if len(args) > 0 {
		path = args[0]
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Valid: %s\n", path)
	fmt.Printf("  store:   %s\n", cfg.Store.Backend)
	fmt.Printf("  corpus:  %s\n", cfg.Retrieval.Corpus)
	fmt.Printf("  model:   %s (advanced: %s)\n", cfg.LLM.Model, cfg.LLM.AdvancedModel)
	fmt.Printf("  server:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return nil
}
