// Package main is the entry point for the paperscout CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the paperscout CLI.
var rootCmd = &cobra.Command{
	Use:   "paperscout",
	Short: "Concurrent research paper discovery and analysis",
	Long: `paperscout researches a set of topics concurrently: it discovers candidate
papers on arXiv, scores them for relevance with an LLM provider, analyzes the
papers that pass the filter, and condenses each topic into a summary.

Provider credentials come from the environment (PAPERSCOUT_LLM_<PROVIDER>_API_KEY);
everything else is configured through config.yaml or PAPERSCOUT_* variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
