// Package cmd implements the lexrag command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lexatlas/lexrag/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lexrag",
	Short: "Regulatory document assistant with hybrid retrieval",
	Long: `lexrag answers questions about regulatory documents by combining
vector search, cluster expansion, BM25 and entity lookups over a chunked
corpus, then reranking with an LLM under a strict token budget.

It also runs the ingestion pipeline that builds the corpus from PDF, DOCX
and scanned image files, with per-document checkpoints so interrupted runs
resume where they stopped.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./lexrag.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName("lexrag")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("LEXRAG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig materializes the effective configuration from viper, applying
// defaults, environment interpolation and validation.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
