package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"codegate-broker/internal/account"
	"codegate-broker/internal/oauthflow"
)

var (
	addMode          string
	addPriority      int
	addModelMappings string
)

func init() {
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a provider account",
		Long: `Add an account the broker can route requests through. --mode selects
how credentials are obtained: "max" and "console" run Anthropic's OAuth
authorization-code flow, opening a URL and asking for the code it shows
(max mints a subscription token, console mints an API key);
"zai", "openai-compatible", and "anthropic-compatible" prompt for a
bare API key against that provider.`,
		Args: cobra.ExactArgs(1),
		Run:  runAdd,
	}
	addCmd.Flags().StringVar(&addMode, "mode", "", "max|console|zai|openai-compatible|anthropic-compatible")
	addCmd.Flags().IntVar(&addPriority, "priority", 50, "scheduling priority, 0-100, lower tries first")
	addCmd.Flags().StringVar(&addModelMappings, "modelMappings", "", "JSON object mapping client model name to account-side model name")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	name := args[0]

	mode := addMode
	if mode == "" {
		mode = promptMode()
	}

	mappings, err := parseModelMappings(addModelMappings)
	if err != nil {
		fatalf("parse --modelMappings: %v", err)
	}

	st, repo, err := openRepository()
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	switch mode {
	case "max", "console":
		acct, err := runOAuthAdd(repo, name, mode, addPriority, mappings)
		if err != nil {
			fatalf("oauth flow: %v", err)
		}
		fmt.Printf("added %q (%s, oauth)\n", acct.Name, acct.Provider)
	case "zai", "openai-compatible", "anthropic-compatible":
		apiKey := promptAPIKey()
		acct, err := repo.Insert(account.NewAccountInput{
			Name:          name,
			Provider:      mode,
			APIKey:        apiKey,
			Priority:      addPriority,
			ModelMappings: mappings,
		})
		if err != nil {
			fatalf("insert account: %v", err)
		}
		fmt.Printf("added %q (%s, api-key)\n", acct.Name, acct.Provider)
	default:
		fatalf("unknown --mode %q", mode)
	}
}

func runOAuthAdd(repo *account.Repository, name, mode string, priority int, mappings map[string]string) (*account.Account, error) {
	oauthMode := oauthflow.ModeMax
	if mode == "console" {
		oauthMode = oauthflow.ModeConsole
	}

	flow := oauthflow.NewFlow(clientID)
	session, err := flow.Begin(name, oauthMode)
	if err != nil {
		return nil, err
	}

	fmt.Println("Open this URL in a browser and authorize:")
	fmt.Println(session.AuthorizeURL)

	code := promptAuthCode()

	tier := 1
	acct, err := flow.Complete(repo, session.ID, code, tier, name)
	if err != nil {
		return nil, err
	}

	if priority != 50 {
		if err := repo.SetPriority(acct.ID, priority); err != nil {
			return nil, fmt.Errorf("set priority: %w", err)
		}
		acct.Priority = priority
	}
	if len(mappings) > 0 {
		acct.ModelMappings = mappings
	}

	return acct, nil
}

func promptMode() string {
	prompt := promptui.Select{
		Label: "Select account mode",
		Items: []string{"max", "console", "zai", "openai-compatible", "anthropic-compatible"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		fatalf("prompt: %v", err)
	}
	return result
}

func promptAPIKey() string {
	prompt := promptui.Prompt{
		Label: "API key",
		Mask:  '*',
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("api key must not be empty")
			}
			return nil
		},
	}
	result, err := prompt.Run()
	if err != nil {
		fatalf("prompt: %v", err)
	}
	return result
}

func promptAuthCode() string {
	prompt := promptui.Prompt{
		Label: "Paste the authorization code",
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("code must not be empty")
			}
			return nil
		},
	}
	result, err := prompt.Run()
	if err != nil {
		fatalf("prompt: %v", err)
	}
	return result
}

func parseModelMappings(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
