package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"codegate-broker/internal/usage"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset-stats",
		Short: "Zero every account's lifetime and session request counters",
		Args:  cobra.NoArgs,
		Run:   runResetStats,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "clear-history",
		Short: "Delete every recorded request row",
		Args:  cobra.NoArgs,
		Run:   runClearHistory,
	})
}

func runResetStats(cmd *cobra.Command, args []string) {
	st, repo, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	if err := repo.ResetStats(); err != nil {
		fatalf("reset stats: %v", err)
	}
	fmt.Println("account stats reset")
}

func runClearHistory(cmd *cobra.Command, args []string) {
	st, _, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	rec := usage.NewRecorder(st, usage.DefaultPricing)
	if err := rec.ClearHistory(); err != nil {
		fatalf("clear history: %v", err)
	}
	fmt.Println("request history cleared")
}
