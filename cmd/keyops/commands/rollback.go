package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/credlink/keyops/internal/config"
	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// NewRollbackCommand creates the rollback command
func NewRollbackCommand(cfg *config.Config) *cobra.Command {
	var (
		identity string
		reason   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore an identity's previous credential generation",
		Long: `Promote the previous credential back to active and retire the
current one. Rollback is only possible while the previous generation
exists, before the janitor's grace window retires it.

For API keys the restored token itself is not re-shown; consumers that
still hold it keep working, and escrow mirrors keep the newer value
until the next rotation.

Examples:
  # Roll back after a bad deployment
  keyops rollback --identity signing-cert-prod --reason "clients reject new chain"

  # Skip confirmation prompt
  keyops rollback --identity client-acme --reason "urgent fix" --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return kerrors.UserError{
					Message:    "Identity is required",
					Suggestion: "Use --identity flag to specify which credential to roll back",
				}
			}
			if reason == "" {
				return kerrors.UserError{
					Message:    "Reason is required for audit trail",
					Suggestion: "Use --reason flag to explain why rollback is needed",
				}
			}
			return executeRollback(cfg, identity, reason, force)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity to roll back (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for rollback (required for audit trail)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func executeRollback(cfg *config.Config, identity, reason string, force bool) error {
	if err := cfg.Load(); err != nil {
		return err
	}

	ctx := context.Background()
	coordinator, err := buildCoordinator(ctx, cfg)
	if err != nil {
		return err
	}

	status, err := coordinator.GetStatus(ctx, credential.Identity(identity))
	if err != nil {
		return err
	}
	if status.Previous == nil {
		return kerrors.UserError{
			Message:    fmt.Sprintf("No previous credential exists for '%s'", identity),
			Suggestion: "Rollback needs a previous generation that the janitor has not retired yet",
		}
	}

	fmt.Println("Rollback Plan")
	fmt.Println("=============")
	if status.Active != nil {
		fmt.Printf("  Current:  v%d (%s)\n", status.Active.Version, status.Active.Kind)
	}
	fmt.Printf("  Restore:  v%d (%s)\n", status.Previous.Version, status.Previous.Kind)
	fmt.Printf("  Reason:   %s\n", reason)

	if !force && !cfg.NonInteractive {
		fmt.Print("\nProceed with rollback? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Rollback cancelled")
			return nil
		}
	}

	restored, err := coordinator.Rollback(ctx, credential.Identity(identity), reason)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Rollback completed successfully\n")
	fmt.Printf("  Identity:   %s\n", identity)
	fmt.Printf("  Active:     v%d\n", restored.Version)
	if restored.ExpiresAt != nil {
		fmt.Printf("  Expires:    %s\n", restored.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
