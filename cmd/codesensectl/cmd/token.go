package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesense/codesense/internal/auth"
	"github.com/codesense/codesense/internal/users"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with API tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign a token with the server secret",
	Long: `Sign a token locally with JWT_SECRET, for operators who have the
server's secret but no account password.

Example:
  JWT_SECRET=... codesensectl token mint --user-id 1 --role admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		role, _ := cmd.Flags().GetString("role")
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := mintToken(os.Getenv("JWT_SECRET"), issuer, userID, role, ttl)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]string{"token": token, "userId": userID, "role": users.NormalizeRole(role)})
		}
		fmt.Fprintln(out, token)
		return nil
	},
}

func mintToken(secret, issuer, userID, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("--user-id is required")
	}
	iss, err := auth.NewIssuer(secret, issuer, ttl)
	if err != nil {
		return "", fmt.Errorf("JWT_SECRET: %w", err)
	}
	return iss.Issue(userID, users.NormalizeRole(role))
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenMintCmd)

	tokenMintCmd.Flags().String("user-id", "", "user id to embed in the token")
	tokenMintCmd.Flags().String("role", users.RoleAdmin, "admin or user")
	tokenMintCmd.Flags().String("issuer", "codesense", "token issuer, must match the server's JWT_ISSUER")
	tokenMintCmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
}
