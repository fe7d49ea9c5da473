package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/credlink/keyops/internal/config"
	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
	"github.com/credlink/keyops/pkg/engine"
)

// keyringService namespaces keyops entries in the OS keychain.
const keyringService = "keyops"

// NewRotateCommand creates the rotate command
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		identity    string
		dryRun      bool
		wait        bool
		useKeychain bool
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate an identity's credential to a new generation",
		Long: `Generate fresh material for an identity, install it as the active
credential, and demote the old one to the previous state for rollback.

For API keys the new plaintext token is shown exactly once; with
--keychain it goes to the OS keychain instead of the terminal. After
the commit the active record is re-read and verified, and a failed
verification rolls the lineage back automatically.

Examples:
  # Rotate the production signing certificate
  keyops rotate --identity signing-cert-prod

  # Preview what a rotation would install
  keyops rotate --identity client-acme --dry-run

  # Queue behind an in-flight rotation instead of failing fast
  keyops rotate --identity client-acme --wait

  # Stash the new API key token in the OS keychain
  keyops rotate --identity client-acme --keychain`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return kerrors.UserError{
					Message:    "Identity is required",
					Suggestion: "Use --identity flag to specify which credential to rotate",
				}
			}
			return executeRotate(cfg, identity, dryRun, wait, useKeychain)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity to rotate (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Generate and validate without committing")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for an in-flight rotation instead of failing")
	cmd.Flags().BoolVar(&useKeychain, "keychain", false, "Write the one-time API key token to the OS keychain")

	_ = cmd.MarkFlagRequired("identity")

	return cmd
}

func executeRotate(cfg *config.Config, identity string, dryRun, wait, useKeychain bool) error {
	if err := cfg.Load(); err != nil {
		return err
	}

	policy, err := cfg.Definition.Policy(credential.Identity(identity))
	if err != nil {
		return err
	}

	ctx := context.Background()
	coordinator, err := buildCoordinator(ctx, cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := coordinator.Rotate(ctx, credential.Identity(identity), engine.RotateOptions{
		Kind:                  credential.Kind(policy.Kind),
		Policy:                policy.MaterialPolicy(),
		RotationIntervalHours: policy.RotationIntervalHours,
		EscrowTargets:         policy.Escrow,
		DryRun:                dryRun,
		WaitForLock:           wait,
	})
	if err != nil {
		reportRotateFailure(cfg, result, err)
		return err
	}

	if result.DryRun {
		fmt.Printf("[DRY RUN] Candidate v%d for '%s' generated and validated. No changes made.\n",
			result.New.Version, identity)
		return nil
	}

	fmt.Printf("Rotation completed successfully\n")
	fmt.Printf("  Identity:   %s\n", identity)
	fmt.Printf("  Version:    v%d\n", result.New.Version)
	fmt.Printf("  Kind:       %s\n", result.New.Kind)
	if result.New.ExpiresAt != nil {
		fmt.Printf("  Expires:    %s\n", result.New.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  Duration:   %s\n", time.Since(start).Round(time.Millisecond))

	if result.Plaintext != nil {
		token, err := result.Plaintext.RevealOnce()
		if err != nil {
			return fmt.Errorf("failed to reveal new token: %w", err)
		}
		if useKeychain {
			if err := keyring.Set(keyringService, identity, token); err != nil {
				// The rotation is committed; losing the keychain write
				// must not hide the token.
				cfg.Logger.Warn("keychain write failed: %v", err)
				printToken(token)
			} else {
				fmt.Printf("\nNew API key token stored in the OS keychain (service %q, account %q).\n",
					keyringService, identity)
			}
		} else {
			printToken(token)
		}
	}

	return nil
}

func printToken(token string) {
	fmt.Println()
	fmt.Println("New API key token (shown once, store it now):")
	fmt.Printf("  %s\n", token)
}

func reportRotateFailure(cfg *config.Config, result *engine.RotationResult, err error) {
	if result == nil {
		return
	}
	if result.RollbackAttempted {
		if result.RollbackSuccessful {
			cfg.Logger.Warn("verification failed; previous credential was restored")
		} else {
			cfg.Logger.Error("verification failed and rollback did not succeed; manual intervention required")
		}
	}
}
