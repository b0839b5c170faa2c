package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/spf13/cobra"
)

// buildTokenCmd creates the "token" command that signs a bearer token
func buildTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for testing and tooling",
		Example: `  storepulse token --secret s3cret --user admin-1 --role admin --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("STOREPULSE_AUTH_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or STOREPULSE_AUTH_JWT_SECRET is required")
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			r := proto.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}

			config := auth.DefaultConfig()
			config.Secret = secret
			config.Issuer = issuer
			v, err := auth.NewJWTValidator(config)
			if err != nil {
				return err
			}

			token, err := v.Issue(userID, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret (defaults to STOREPULSE_AUTH_JWT_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", auth.DefaultConfig().Issuer, "Issuer claim")
	cmd.Flags().StringVar(&userID, "user", "", "Subject user ID")
	cmd.Flags().StringVar(&role, "role", string(proto.RoleUser), "Role: admin, user, or support")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
