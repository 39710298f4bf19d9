package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"codegate-broker/internal/account"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts and their health",
		Run:   runList,
	})
}

func runList(cmd *cobra.Command, args []string) {
	st, repo, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	accounts, err := repo.List()
	if err != nil {
		fatalf("list accounts: %v", err)
	}

	now := time.Now()
	for _, a := range accounts {
		fmt.Printf("%-24s %-24s pri=%-3d %s\n", a.Name, a.Provider, a.Priority, healthLabel(a, now))
	}
}

func healthLabel(a account.Account, now time.Time) string {
	switch {
	case a.NeedsReauth():
		return color.RedString("reauth required")
	case a.Paused:
		return color.YellowString("paused")
	case a.IsRateLimited(now):
		return color.YellowString("rate limited")
	case a.IsHealthy(now):
		return color.GreenString("healthy")
	default:
		return color.RedString("unhealthy")
	}
}
