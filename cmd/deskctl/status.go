package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-desk/internal/auth"
	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

var (
	tokenTTL  time.Duration
	tokenSave bool
)

func init() {
	rootCmd.AddCommand(statusCmd, tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "store the token as identity.token")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, cfg, err := apiClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server:   %s\n", cfg.Server.URL)
		fmt.Fprintf(out, "  Identity: %s\n", valueOrDefault(who(cfg.Identity.ID, cfg.Identity.Name), "(not set)"))
		token := "(none)"
		if cfg.Identity.Token != "" {
			token = "present"
		}
		fmt.Fprintf(out, "  Token:    %s\n", token)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		st, err := api.Status(ctx)
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintf(out, "Server unreachable: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "Server:")
		fmt.Fprintf(out, "  Status:      %s\n", st.Status)
		fmt.Fprintf(out, "  Version:     %s\n", st.Version)
		fmt.Fprintf(out, "  Connections: %d\n", st.Connections)
		fmt.Fprintf(out, "  Groups:      %d\n", st.Groups)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an identity token for the configured identity",
	Long:  "Sign a token with auth.jwt_secret. The secret must match the server's AUTH_JWT_SECRET.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set")
		}
		id, err := identityOf(cfg)
		if err != nil {
			return err
		}

		token, err := mintToken(cfg, id, tokenTTL)
		if err != nil {
			return err
		}
		if tokenSave {
			cfg.Identity.Token = token
			if err := saveConfig(cfg); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func mintToken(cfg *Config, id domain.Identity, ttl time.Duration) (string, error) {
	issuer := valueOrDefault(cfg.Auth.Issuer, "pelusa-desk")
	return auth.NewTokenManager(cfg.Auth.JWTSecret, issuer, ttl, nil).Generate(id)
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
