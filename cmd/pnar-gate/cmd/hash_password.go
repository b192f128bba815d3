package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pnar.online/internal/auth"
	"pnar.online/internal/config"
)

var skipPolicy bool

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password read from stdin with the configured argon2id cost",
	Long: `Read one line from stdin and print its argon2id digest, suitable for the
password column of the users table.

The active password policy is enforced unless --skip-policy is given.

Example:
  printf '%s\n' "$NEW_PASSWORD" | pnar-gate hash-password`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no password on stdin")
		}
		password := strings.TrimRight(line, "\r\n")

		if !skipPolicy {
			if err := auth.CheckPolicy(password, cfg.PasswordPolicy); err != nil {
				var ae *auth.Error
				if errors.As(err, &ae) {
					return fmt.Errorf("password rejected: %s", strings.Join(ae.Reasons, ", "))
				}
				return err
			}
		}

		hasher, err := auth.NewHasher(cfg.Hash.Cost, 1)
		if err != nil {
			return err
		}
		digest, err := hasher.Hash(cmd.Context(), password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest)
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not enforce the password policy")
	rootCmd.AddCommand(hashPasswordCmd)
}
