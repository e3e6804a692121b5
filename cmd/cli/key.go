// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/repository"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, list, and deactivate API keys, and adjust their credit balances.",
	}

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyDeactivateCmd())
	cmd.AddCommand(newKeyCreditsCmd())

	return cmd
}

// ---------- key issue ----------

func newKeyIssueCmd() *cobra.Command {
	var (
		owner   string
		credits int64
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new API key",
		Long:  "Generate a new active API key bound to an owner, with an optional starting credit balance.",
		Example: `  keymeter key issue --owner 6f1d...c2 --credits 500
  keymeter key issue --owner 6f1d...c2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(owner, credits)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID the key belongs to (required)")
	cmd.Flags().Int64Var(&credits, "credits", 0, "Starting credit balance")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyIssue(owner string, credits int64) error {
	ownerID, err := uuid.Parse(owner)
	if err != nil {
		return fmt.Errorf("invalid owner id %q: %w", owner, err)
	}
	if credits < 0 {
		return fmt.Errorf("credits must not be negative")
	}

	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	keyString, err := repository.NewKeyString()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	key := domain.APIKey{
		ID:        uuid.New(),
		Key:       keyString,
		OwnerID:   ownerID,
		Credits:   credits,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}

	keys := repository.NewAPIKeyRepository(pool, quietLogger())
	if err := keys.Insert(ctx, key); err != nil {
		return storeError("insert api key", err)
	}

	fmt.Println("API key issued:")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", key.Key)
	fmt.Printf("  ID:      %s\n", key.ID)
	fmt.Printf("  Owner:   %s\n", key.OwnerID)
	fmt.Printf("  Credits: %d\n", key.Credits)
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	keys, err := repository.NewAPIKeyRepository(pool, quietLogger()).List(ctx)
	if err != nil {
		return storeError("list api keys", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys. Use 'keymeter key issue' to create one.")
		return nil
	}

	fmt.Printf("%-14s %-38s %-10s %-8s %s\n", "KEY", "OWNER", "CREDITS", "ACTIVE", "LAST USED")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		lastUsed := "never"
		if k.LastUsed != nil {
			lastUsed = k.LastUsed.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-14s %-38s %-10d %-8s %s\n", abbreviateKey(k.Key), k.OwnerID, k.Credits, active, lastUsed)
	}

	return nil
}

// abbreviateKey keeps the prefix and the first hex characters so operators
// can match a row against a key they hold without printing the full secret.
func abbreviateKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}

// ---------- key deactivate ----------

func newKeyDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <key>",
		Short: "Deactivate an API key",
		Long:  "Mark an API key inactive, rejecting any further requests that present it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyDeactivate(args[0])
		},
	}

	return cmd
}

func runKeyDeactivate(keyString string) error {
	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.NewAPIKeyRepository(pool, quietLogger()).Deactivate(ctx, keyString); err != nil {
		return storeError("deactivate api key", err)
	}

	fmt.Printf("Deactivated API key %s\n", abbreviateKey(keyString))
	return nil
}

// ---------- key credits ----------

func newKeyCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits <key> <amount>",
		Short: "Add credits to an API key",
		Long:  "Top up an API key's balance. The amount must be a non-negative integer.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCredits(args[0], args[1])
		},
	}

	return cmd
}

func runKeyCredits(keyString, amountArg string) error {
	amount, err := strconv.ParseInt(amountArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amountArg, err)
	}
	if amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}

	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	updated, err := repository.NewAPIKeyRepository(pool, quietLogger()).AddCredits(ctx, keyString, amount)
	if err != nil {
		return storeError("add credits", err)
	}

	fmt.Printf("Balance for %s is now %d credits\n", abbreviateKey(updated.Key), updated.Credits)
	return nil
}
