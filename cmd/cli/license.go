// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/repository"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "license",
		Aliases: []string{"lic"},
		Short:   "Manage product licenses",
		Long:    "Issue, list, and revoke per-product licenses attached to API keys.",
	}

	cmd.AddCommand(newLicenseIssueCmd())
	cmd.AddCommand(newLicenseListCmd())
	cmd.AddCommand(newLicenseRevokeCmd())

	return cmd
}

// ---------- license issue ----------

func newLicenseIssueCmd() *cobra.Command {
	var (
		apiKeyID  string
		productID string
		expiresIn time.Duration
		expiresAt string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license for a product",
		Long:  "Grant an API key access to a product until the license expires or is revoked.",
		Example: `  keymeter license issue --api-key-id 6f1d...c2 --product reports --expires-in 720h
  keymeter license issue --api-key-id 6f1d...c2 --product reports --expires-at 2027-01-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseIssue(apiKeyID, productID, expiresIn, expiresAt)
		},
	}

	cmd.Flags().StringVar(&apiKeyID, "api-key-id", "", "API key UUID the license attaches to (required)")
	cmd.Flags().StringVar(&productID, "product", "", "Product identifier (required)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Validity window from now (e.g. 720h)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "Absolute expiry as RFC 3339")
	cmd.MarkFlagRequired("api-key-id")
	cmd.MarkFlagRequired("product")

	return cmd
}

func runLicenseIssue(apiKeyArg, productID string, expiresIn time.Duration, expiresAtArg string) error {
	apiKeyID, err := uuid.Parse(apiKeyArg)
	if err != nil {
		return fmt.Errorf("invalid api key id %q: %w", apiKeyArg, err)
	}

	var expiry time.Time
	switch {
	case expiresAtArg != "":
		expiry, err = time.Parse(time.RFC3339, expiresAtArg)
		if err != nil {
			return fmt.Errorf("invalid --expires-at %q: %w", expiresAtArg, err)
		}
	case expiresIn > 0:
		expiry = time.Now().UTC().Add(expiresIn)
	default:
		return fmt.Errorf("one of --expires-in or --expires-at is required")
	}
	if !expiry.After(time.Now()) {
		return fmt.Errorf("expiry %s is in the past", expiry.Format(time.RFC3339))
	}

	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	license, err := repository.NewLicenseRepository(pool, quietLogger()).Insert(ctx, domain.License{
		ID:        uuid.New(),
		APIKeyID:  apiKeyID,
		ProductID: productID,
		ExpiresAt: expiry.UTC(),
		IsActive:  true,
	})
	if err != nil {
		return storeError("issue license", err)
	}

	fmt.Println("License issued:")
	fmt.Println()
	fmt.Printf("  ID:      %s\n", license.ID)
	fmt.Printf("  Product: %s\n", license.ProductID)
	fmt.Printf("  Expires: %s\n", license.ExpiresAt.Format(time.RFC3339))
	return nil
}

// ---------- license list ----------

func newLicenseListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list <api-key-id>",
		Aliases: []string{"ls"},
		Short:   "List licenses attached to an API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseList(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseList(apiKeyArg string, jsonOutput bool) error {
	apiKeyID, err := uuid.Parse(apiKeyArg)
	if err != nil {
		return fmt.Errorf("invalid api key id %q: %w", apiKeyArg, err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	licenses, err := repository.NewLicenseRepository(pool, quietLogger()).ListByAPIKey(ctx, apiKeyID)
	if err != nil {
		return storeError("list licenses", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(licenses)
	}

	if len(licenses) == 0 {
		fmt.Println("No licenses for this API key.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-38s %-20s %-8s %-8s %s\n", "ID", "PRODUCT", "ACTIVE", "VALID", "EXPIRES")
	for _, l := range licenses {
		active := "yes"
		if !l.IsActive {
			active = "no"
		}
		valid := "no"
		if l.ValidAt(now) {
			valid = "yes"
		}
		fmt.Printf("%-38s %-20s %-8s %-8s %s\n", l.ID, l.ProductID, active, valid, l.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

// ---------- license revoke ----------

func newLicenseRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a license",
		Long:  "Mark a license inactive. Revocation is permanent; issue a new license to restore access.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseRevoke(args[0])
		},
	}

	return cmd
}

func runLicenseRevoke(idArg string) error {
	id, err := uuid.Parse(idArg)
	if err != nil {
		return fmt.Errorf("invalid license id %q: %w", idArg, err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	license, err := repository.NewLicenseRepository(pool, quietLogger()).Revoke(ctx, id)
	if err != nil {
		return storeError("revoke license", err)
	}

	fmt.Printf("Revoked license %s for product %q\n", license.ID, license.ProductID)
	return nil
}
