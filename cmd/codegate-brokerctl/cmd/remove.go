package cmd

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var removeForce bool

func init() {
	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		Run:   runRemove,
	}
	removeCmd.Flags().BoolVar(&removeForce, "force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) {
	name := args[0]

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

	if !removeForce {
		prompt := promptui.Prompt{Label: fmt.Sprintf("Remove %q", name), IsConfirm: true}
		if _, err := prompt.Run(); err != nil {
			fmt.Println("aborted")
			return
		}
	}

	if err := repo.Remove(acct.ID); err != nil {
		fatalf("remove account: %v", err)
	}
	fmt.Printf("removed %q\n", name)
}
