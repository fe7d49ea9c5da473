package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/credlink/keyops/internal/config"
	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// NewHealthCommand creates the health command
func NewHealthCommand(cfg *config.Config) *cobra.Command {
	var (
		withinHours int
		kindFilter  string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "List credentials that need rotation",
		Long: `Scan all active credentials and list those that are expired, near
expiry, or overdue against their rotation interval. The default
horizon is the configured near-expiry window.`,
		Example: `  # List everything due within the configured window
  keyops health

  # Widen the horizon to 30 days
  keyops health --within-hours 720

  # Only check certificates
  keyops health --kind certificate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kindFilter != "" && !credential.Kind(kindFilter).Valid() {
				return kerrors.UserError{
					Message:    fmt.Sprintf("Unknown credential kind '%s'", kindFilter),
					Suggestion: "Use 'certificate' or 'api_key'",
				}
			}
			return executeHealth(cfg, withinHours, credential.Kind(kindFilter))
		},
	}

	cmd.Flags().IntVar(&withinHours, "within-hours", 0, "Horizon in hours (default: configured near-expiry window)")
	cmd.Flags().StringVar(&kindFilter, "kind", "", "Only check one credential kind")

	return cmd
}

func executeHealth(cfg *config.Config, withinHours int, kind credential.Kind) error {
	if err := cfg.Load(); err != nil {
		return err
	}

	ctx := context.Background()
	coordinator, err := buildCoordinator(ctx, cfg)
	if err != nil {
		return err
	}

	horizon := time.Duration(withinHours) * time.Hour
	records, err := coordinator.ListNeedingRotation(ctx, kind, horizon)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("All credentials healthy, nothing due for rotation.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "IDENTITY\tKIND\tVERSION\tEXPIRES\tISSUES")
	fmt.Fprintln(w, "--------\t----\t-------\t-------\t------")

	now := time.Now()
	for _, rec := range records {
		expiresStr := "-"
		if rec.ExpiresAt != nil {
			expiresStr = formatTimestamp(*rec.ExpiresAt, now)
		}

		h := credential.Evaluate(rec, now)
		issuesStr := "due within horizon"
		if issues := h.Issues(); len(issues) > 0 {
			issuesStr = issues[0]
		}

		fmt.Fprintf(w, "%s\t%s\tv%d\t%s\t%s\n",
			rec.Identity, rec.Kind, rec.Version, expiresStr, issuesStr)
	}

	fmt.Printf("\n%d credential(s) need rotation.\n", len(records))
	return nil
}
