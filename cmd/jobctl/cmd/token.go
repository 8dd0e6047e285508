package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
)

type tokenFlags struct {
	secret   string
	issuer   string
	tenantID string
	userID   string
	userName string
	ttl      time.Duration
}

// newTokenCmd signs a development token with the API's shared secret.
func newTokenCmd(opts *options) *cobra.Command {
	f := &tokenFlags{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		Long:  `Sign an HS256 token for the given tenant and user. Intended for development and operator use; the secret must match the API's auth.jwt_secret.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := f.secret
			if secret == "" {
				secret = opts.v.GetString("jwt_secret")
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or JOBCTL_JWT_SECRET)")
			}

			token, err := auth.NewAuthenticator(secret, f.issuer).Issue(auth.Identity{
				TenantID: f.tenantID,
				UserID:   f.userID,
				UserName: f.userName,
			}, f.ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(opts.out, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.secret, "secret", "", "HMAC signing secret")
	cmd.Flags().StringVar(&f.issuer, "issuer", "watermark-saas", "token issuer")
	cmd.Flags().StringVar(&f.tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&f.userName, "user-name", "", "display name")
	cmd.Flags().DurationVar(&f.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
