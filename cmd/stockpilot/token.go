package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockpilot/realtime/internal/auth"
	"github.com/stockpilot/realtime/internal/config"
	"github.com/stockpilot/realtime/internal/protocol"
)

var (
	tokenUser      string
	tokenRole      string
	tokenTTL       time.Duration
	tokenNewSecret bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for development",
	Long: `Mint an HS256 session token signed with auth.jwt_secret
(or $STOCKPILOT_JWT_SECRET). With --new-secret, print a fresh random
secret instead.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "dev", "User id carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(protocol.RoleStaff), "Role: admin, manager, staff or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	tokenCmd.Flags().BoolVar(&tokenNewSecret, "new-secret", false, "Print a random signing secret and exit")
}

func runToken(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if tokenNewSecret {
		secret, err := config.GenerateToken()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, secret)
		return err
	}

	token, err := mintToken(cfg.Auth, tokenUser, protocol.Role(tokenRole), tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func mintToken(a config.AuthConfig, user string, role protocol.Role, ttl time.Duration) (string, error) {
	if a.JWTSecret == "" {
		return "", errors.New("no signing secret: set auth.jwt_secret or " + config.EnvJWTSecret)
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = a.TokenTTL
	}
	issuer, err := auth.NewIssuer(a.JWTSecret, ttl)
	if err != nil {
		return "", err
	}
	return issuer.Issue(user, role)
}
