package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/store"
)

var (
	apiKeyName string
	apiKeyTTL  time.Duration
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys used by front-end clients",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Long: `Create an API key for a front-end client. The key is printed once and
cannot be recovered afterwards.`,
	Example: `  sandboxd apikey create --name discord-bot
  sandboxd apikey create --name ci --ttl 720h`,
	RunE: runAPIKeyCreate,
}

var apiKeyListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List API keys",
	Example: `  sandboxd apikey list`,
	RunE:    runAPIKeyList,
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:     "revoke <id>",
	Short:   "Revoke an API key",
	Example: `  sandboxd apikey revoke 3f0c9a52-8d3e-4c71-9d55-0b8f1b0f7a11`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAPIKeyRevoke,
}

var apiKeyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired API keys",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeyPurge,
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyPurgeCmd)
	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	apiKeyCmd.AddCommand(apiKeyListCmd)
	apiKeyCmd.AddCommand(apiKeyRevokeCmd)

	apiKeyCreateCmd.Flags().StringVar(&apiKeyName, "name", "", "Name of the client the key is for (required)")
	apiKeyCreateCmd.Flags().DurationVar(&apiKeyTTL, "ttl", 0, "Key lifetime (0 = never expires)")
	_ = apiKeyCreateCmd.MarkFlagRequired("name")
}

func openAuthStore() (*store.AuthStore, func() error, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return store.NewAuthStore(db), db.Close, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	authStore, closeDB, err := openAuthStore()
	if err != nil {
		return err
	}
	defer closeDB()

	token, rec, err := auth.IssueAPIKey(context.Background(), authStore, apiKeyName, apiKeyTTL)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:      %s\n", rec.ID)
	fmt.Fprintf(out, "Name:    %s\n", rec.Name)
	fmt.Fprintf(out, "Expires: %s\n", formatTime(rec.ExpiresAt))
	fmt.Fprintf(out, "Key:     %s\n", token)
	fmt.Fprintln(out, "Store this key now; it will not be shown again.")
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	authStore, closeDB, err := openAuthStore()
	if err != nil {
		return err
	}
	defer closeDB()

	keys, err := authStore.List(context.Background())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k.ID, k.Name, k.Prefix + "...", formatTime(k.ExpiresAt), formatTime(k.LastUsedAt)})
	}
	writeTable(cmd.OutOrStdout(), []string{"ID", "Name", "Prefix", "Expires At", "Last Used At"}, rows)
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	authStore, closeDB, err := openAuthStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := authStore.Revoke(context.Background(), args[0]); err != nil {
		if errors.Is(err, store.ErrNoRecord) {
			return fmt.Errorf("api key %s not found", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked\n", args[0])
	return nil
}

func runAPIKeyPurge(cmd *cobra.Command, args []string) error {
	authStore, closeDB, err := openAuthStore()
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := authStore.PurgeExpired(context.Background(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d expired API key(s) deleted\n", n)
	return nil
}
