package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"codegate-broker/internal/provider"
	"codegate-broker/internal/usage"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "analyze",
		Short: "Summarize recorded usage per account",
		Args:  cobra.NoArgs,
		Run:   runAnalyze,
	})
}

func runAnalyze(cmd *cobra.Command, args []string) {
	st, repo, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	rec := usage.NewRecorder(st, usage.DefaultPricing)
	summaries, err := rec.Analyze()
	if err != nil {
		fatalf("analyze: %v", err)
	}

	accounts, err := repo.List()
	if err != nil {
		fatalf("list accounts: %v", err)
	}
	byID := make(map[string]string, len(accounts))
	kiloKeyByID := make(map[string]string)
	for _, a := range accounts {
		byID[a.ID] = a.Name
		if a.Provider == "kilo" {
			kiloKeyByID[a.ID] = a.APIKey
		}
	}

	for _, s := range summaries {
		name := byID[s.AccountID]
		if name == "" {
			name = s.AccountID
		}
		fmt.Printf("%-24s requests=%-6d tokens=%-10d cost=$%-8.4f errors=%d avg=%.0fms\n",
			name, s.Requests, s.TotalTokens, s.CostUSD, s.ErrorCount, s.AvgResponseMs)

		if key, ok := kiloKeyByID[s.AccountID]; ok {
			ku, err := provider.FetchKiloUsage(key)
			if err != nil {
				fmt.Printf("  %s\n", color.YellowString("kilo balance unavailable: %v", err))
				continue
			}
			fmt.Printf("  kilo balance: $%.2f (spent $%.2f)\n", ku.BalanceUSD, ku.SpentUSD)
		}
	}
}
