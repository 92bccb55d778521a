package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
)

// tokenCmd mints an actor credential signed with the configured secret.
var tokenCmd = &cobra.Command{
	Use:   "token <actor-id>",
	Short: "Mint an actor credential for local testing and operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := v.GetString("auth.jwt_secret")
		if secret == "" {
			return errors.New("auth.jwt_secret is required")
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		b := identity.NewBuilder([]byte(secret), v.GetString("auth.jwt_issuer"), nil, nil)
		raw, err := b.SignActor(args[0], tenant, roles, ttl)
		if err != nil {
			return fmt.Errorf("sign credential: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("tenant", "", "tenant id claim")
	tokenCmd.Flags().StringSlice("role", nil, "credential role, repeatable (e.g. platform_operator)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "credential lifetime")
}
