package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/auth"
	"github.com/teranos/bookenrich/errors"
)

// TokenCmd issues bearer tokens for API clients
var TokenCmd = &cobra.Command{
	Use:   "token <client-id>",
	Short: "Issue a bearer token for a client",
	Long: `Issue a signed bearer token for client-id using auth.jwt_secret.

Without a secret the server treats any opaque bearer token as the client
identity, so no token needs to be issued.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var tokenTTL time.Duration

func init() {
	TokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	tokens := auth.NewTokenManager(cfg.Auth)
	if !tokens.Signed() {
		return errors.WithHint(
			errors.New("auth.jwt_secret is not set"),
			"set BOOKENRICH_JWT_SECRET, or use the client id itself as an opaque token")
	}

	token, err := tokens.GenerateToken(args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
