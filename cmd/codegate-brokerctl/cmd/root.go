package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"codegate-broker/internal/account"
	"codegate-broker/internal/store"
)

var (
	dbPath   string
	keyHex   string
	clientID string
)

var rootCmd = &cobra.Command{
	Use:   "codegate-brokerctl",
	Short: "Manage codegate-broker accounts.",
	Long:  `Add, list, pause, and inspect the provider accounts the broker load-balances across.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultDB, _ := homedir.Expand("~/.codegate-broker/broker.db")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "path to the broker's SQLite database")
	rootCmd.PersistentFlags().StringVar(&keyHex, "encryption-key-hex", os.Getenv("CODEGATE_ENCRYPTION_KEY_HEX"), "32-byte AES-256 key, hex-encoded, matching the broker's configuration")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", os.Getenv("CODEGATE_CLIENT_ID"), "OAuth client_id to authorize under, matching the broker's configuration")
}

// openRepository opens the shared store and account repository, applying
// migrations if the database is new. Every subcommand that touches account
// state calls this first.
func openRepository() (*store.Store, *account.Repository, error) {
	expanded, err := homedir.Expand(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("expand db path: %w", err)
	}

	st, err := store.Open(expanded)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var cipher *store.Cipher
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("decode encryption key: %w", err)
		}
		cipher, err = store.NewCipher(key)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("init cipher: %w", err)
		}
	}

	return st, account.NewRepository(st, cipher), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
