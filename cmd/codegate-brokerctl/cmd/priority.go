package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"codegate-broker/internal/account"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "set-priority <name> <0-100>",
		Short: "Set an account's scheduling priority",
		Args:  cobra.ExactArgs(2),
		Run:   runSetPriority,
	})
}

func runSetPriority(cmd *cobra.Command, args []string) {
	priority, err := strconv.Atoi(args[1])
	if err != nil {
		fatalf("priority must be an integer: %v", err)
	}

	withAccount(args[0], func(repo *account.Repository, acct *account.Account) error {
		return repo.SetPriority(acct.ID, priority)
	})
	fmt.Printf("%q priority set to %d\n", args[0], priority)
}
