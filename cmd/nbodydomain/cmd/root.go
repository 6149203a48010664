// Package cmd is the nbodydomain CLI's cobra command tree: a root
// command carrying shared flags plus the run and bench subcommands,
// grounded on the teacher pack's perf-analysis CLI (root command with
// PersistentFlags, subcommands registered from their own init()).
package cmd

import (
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	nranks     int
)

var rootCmd = &cobra.Command{
	Use:   "nbodydomain",
	Short: "Domain decomposition and particle exchange for distributed N-body simulation",
	Long: `nbodydomain drives the parallel domain-decomposition subsystem of a
cosmological N-body code standalone: building the top tree, splitting
and assigning leaves to ranks, and exchanging particles, all simulated
in-process across the requested rank count.`,
}

// Execute runs the root command, exiting the process with status 1 on
// any command error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("nbodydomain: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "decomposition config INI file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().IntVarP(&nranks, "ranks", "r", 4, "number of simulated ranks")

	binName := filepath.Base(os.Args[0])
	rootCmd.Example = `  # Run decomposition over catalog files, one per rank
  ` + binName + ` run -c decomp.ini -r 4 catalog-rank0.txt catalog-rank1.txt catalog-rank2.txt catalog-rank3.txt

  # Benchmark decomposition on synthetic uniform particles
  ` + binName + ` bench -c decomp.ini -r 8 -n 250000`
}
