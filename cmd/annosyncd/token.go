package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/framepoint/annosync/internal/config"
	"github.com/framepoint/annosync/internal/identity"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for local testing",
	Long: `Sign a short-lived session token with the configured secret. Intended for
local development and smoke tests; production tokens come from the identity
service.

Example usage:
  annosyncd token --user alice --tenant tenant-1 --ttl 1h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "User id (subject claim)")
	tokenCmd.Flags().String("tenant", "", "Tenant id")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}

	user, _ := cmd.Flags().GetString("user")
	tenant, _ := cmd.Flags().GetString("tenant")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := identity.Sign([]byte(cfg.Auth.JWTSecret),
		identity.Identity{UserID: user, TenantID: tenant}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
