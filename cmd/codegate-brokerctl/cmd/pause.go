package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"codegate-broker/internal/account"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "pause <name>",
		Short: "Pause an account so the balancer skips it",
		Args:  cobra.ExactArgs(1),
		Run:   runPause,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused account",
		Args:  cobra.ExactArgs(1),
		Run:   runResume,
	})
}

func runPause(cmd *cobra.Command, args []string) {
	withAccount(args[0], func(repo *account.Repository, acct *account.Account) error {
		return repo.Pause(acct.ID)
	})
	fmt.Printf("paused %q\n", args[0])
}

func runResume(cmd *cobra.Command, args []string) {
	withAccount(args[0], func(repo *account.Repository, acct *account.Account) error {
		return repo.Resume(acct.ID)
	})
	fmt.Printf("resumed %q\n", args[0])
}

// withAccount looks up an account by name, fatal-exiting if it doesn't
// exist, and runs fn against it with the database held open.
func withAccount(name string, fn func(*account.Repository, *account.Account) error) {
	st, repo, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	acct, err := repo.GetByName(name)
	if err != nil {
		fatalf("lookup account: %v", err)
	}
	if acct == nil {
		fatalf("no such account %q", name)
	}

	if err := fn(repo, acct); err != nil {
		fatalf("%v", err)
	}
}
