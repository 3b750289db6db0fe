package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agent-relay/internal/auth"
)

// newTokenCmd mints a bearer token for a namespace directly from the master
// secret, bypassing the challenge flow. Local development only.
func newTokenCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("MASTER_SECRET")
			if secret == "" {
				return fmt.Errorf("MASTER_SECRET is required")
			}
			if namespace == "" {
				return fmt.Errorf("namespace required")
			}
			token, err := auth.CreateToken(namespace, auth.DefaultTokenConfig(secret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "tenant namespace to scope the token to")
	return cmd
}
