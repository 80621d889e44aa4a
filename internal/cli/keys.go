package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"programista_hub/internal/auth"
	"programista_hub/internal/domain"
	"programista_hub/internal/storage/postgres"
)

var (
	keyLabel    string
	showRevoked bool
)

var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Issue a new API key",
	Long: `Issue a new API key and print it once. Only its SHA-256 hash is
stored, so the key cannot be shown again.`,
	Args: cobra.NoArgs,
	RunE: runCreateKey,
}

var revokeKeyCmd = &cobra.Command{
	Use:   "revoke-key <key|hash>",
	Short: "Revoke an API key by its value or stored hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevokeKey,
}

var listKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List API keys",
	Args:  cobra.NoArgs,
	RunE:  runListKeys,
}

func init() {
	createKeyCmd.Flags().StringVar(&keyLabel, "label", "", "Label stored with the key")
	listKeysCmd.Flags().BoolVar(&showRevoked, "all", false, "Include revoked keys")

	RootCmd.AddCommand(createKeyCmd, revokeKeyCmd, listKeysCmd)
}

func runCreateKey(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}

	record := &domain.APIKey{Hash: auth.HashKey(key), Label: keyLabel}
	if err := postgres.NewAPIKeyStore(db).Create(ctx, record); err != nil {
		return err
	}

	fmt.Fprintln(out(cmd), key)
	return nil
}

// keyHash accepts either a raw key or its stored hash.
func keyHash(arg string) string {
	if auth.IsHash(arg) {
		return arg
	}
	return auth.HashKey(arg)
}

func runRevokeKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	hash := keyHash(args[0])
	if err := postgres.NewAPIKeyStore(db).Revoke(ctx, hash); err != nil {
		return fmt.Errorf("revoke key %s: %w", shortHash(hash), err)
	}

	fmt.Fprintf(out(cmd), "revoked %s\n", shortHash(hash))
	return nil
}

func runListKeys(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys, err := postgres.NewAPIKeyStore(db).List(ctx)
	if err != nil {
		return err
	}
	return writeTable(out(cmd), []string{"HASH", "LABEL", "CREATED", "REVOKED"}, keyRows(keys, showRevoked))
}

func keyRows(keys []domain.APIKey, all bool) [][]string {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		if k.Revoked() && !all {
			continue
		}
		revoked := "-"
		if k.RevokedAt != nil {
			revoked = k.RevokedAt.Format(time.DateTime)
		}
		rows = append(rows, []string{shortHash(k.Hash), k.Label, k.CreatedAt.Format(time.DateTime), revoked})
	}
	return rows
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
