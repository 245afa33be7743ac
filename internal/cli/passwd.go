package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/auth"
)

// promptPassword reads and confirms a password. Tests may override it.
var promptPassword = auth.PromptAndConfirmPassword

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Hash a password for the status server",
	Long: `Prompts for a password and prints its argon2id hash.

Add the hash to crowdqc.yaml to require basic auth on /status and /metrics:

  server:
    port: 8374
    password_hash: "<hash>"`,
	Args: cobra.NoArgs,
	RunE: runPasswd,
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}

func runPasswd(cmd *cobra.Command, args []string) error {
	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Println(hash)
	return nil
}
