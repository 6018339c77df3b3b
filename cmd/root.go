package cmd

import (
	"fmt"

	"github.com/CanopyHQ/xylem/internal/store"
	"github.com/spf13/cobra"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "xylem",
	Short: "Xylem - decision networks over your own data",
	Long: `Xylem learns Bayesian decision networks from observation logs and answers
questions about them: probabilities, interventions, the best decision and the
value of finding something out first. It runs locally and speaks the Model
Context Protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the xylem command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// serve, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// import, observe, export (defined in import_export.go)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(exportCmd)

	// networks (defined in networks.go)
	rootCmd.AddCommand(networksCmd)

	// query, meu, vpi, complete, history (defined in decide.go)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(meuCmd)
	rootCmd.AddCommand(vpiCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(historyCmd)

	// bundle (defined in bundle.go)
	rootCmd.AddCommand(bundleCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)

	// setup (defined in setup.go)
	rootCmd.AddCommand(setupCmd)
}

func openStore() (*store.Store, error) {
	st, err := store.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open network store: %w", err)
	}
	return st, nil
}
