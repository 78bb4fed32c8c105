package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/api"
	"github.com/axlypro/axly-entitlements/internal/config"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/spf13/cobra"
)

var (
	userAdmin           bool
	userNoSubscription  bool
	userCreatedAt       string
	ledgerPruneOlderArg string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", st.Driver())
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User registry commands",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register <user-id>",
	Short: "Register a user or update its paywall flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := &store.User{
			ID:                   strings.TrimSpace(args[0]),
			IsAdmin:              userAdmin,
			RequiresSubscription: !userNoSubscription,
		}
		if userCreatedAt != "" {
			created, err := time.Parse(time.RFC3339, userCreatedAt)
			if err != nil {
				return fmt.Errorf("--created-at must be RFC 3339: %w", err)
			}
			u.CreatedAt = created.UTC()
		}

		st, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.PutUser(cmd.Context(), u); err != nil {
			return err
		}
		saved, err := st.GetUser(cmd.Context(), u.ID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(saved)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Idempotency ledger maintenance",
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger entries older than the dedup window",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		ttl := cfg.DedupTTL
		if ledgerPruneOlderArg != "" {
			ttl, err = time.ParseDuration(ledgerPruneOlderArg)
			if err != nil {
				return fmt.Errorf("--older-than: %w", err)
			}
		}
		if ttl < config.MinDedupTTL {
			return fmt.Errorf("refusing to prune entries newer than %s", config.MinDedupTTL)
		}

		n, err := api.NewLedgerJanitor(st, ttl).Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d ledger entries\n", n)
		return nil
	},
}

func init() {
	userRegisterCmd.Flags().BoolVar(&userAdmin, "admin", false, "mark the user as an admin (bypasses quotas)")
	userRegisterCmd.Flags().BoolVar(&userNoSubscription, "no-subscription", false, "exempt the user from the paywall")
	userRegisterCmd.Flags().StringVar(&userCreatedAt, "created-at", "", "account creation time (RFC 3339); anchors usage periods")
	userCmd.AddCommand(userRegisterCmd)

	ledgerPruneCmd.Flags().StringVar(&ledgerPruneOlderArg, "older-than", "", "retention window (defaults to AXLY_DEDUP_TTL)")
	ledgerCmd.AddCommand(ledgerPruneCmd)
}

func openStore(ctx context.Context) (*store.Store, *config.Storage, error) {
	cfg, err := config.LoadStorage()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, store.Driver(cfg.DatabaseDriver), cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}
