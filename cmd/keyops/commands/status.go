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
	"github.com/credlink/keyops/pkg/engine"
)

// NewStatusCommand creates the status command
func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "status [identity]",
		Short: "Show rotation status for identities",
		Long: `Display the lineage status for one or all configured identities:
the active and previous generations, health, and whether a rotation
is currently in flight.`,
		Example: `  # Show status for all configured identities
  keyops status

  # Show status for one identity
  keyops status signing-cert-prod

  # Show additional details
  keyops status --verbose`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}

			var identities []string
			if len(args) > 0 {
				if _, err := cfg.Definition.Policy(credential.Identity(args[0])); err != nil {
					return err
				}
				identities = []string{args[0]}
			} else {
				identities = identityNames(cfg.Definition)
			}

			ctx := context.Background()
			coordinator, err := buildCoordinator(ctx, cfg)
			if err != nil {
				return err
			}

			return printStatusTable(ctx, coordinator, identities, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed status information")

	return cmd
}

func printStatusTable(ctx context.Context, coordinator *engine.Coordinator, identities []string, verbose bool) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "IDENTITY\tKIND\tACTIVE\tPREVIOUS\tHEALTH\tROTATING")
	fmt.Fprintln(w, "--------\t----\t------\t--------\t------\t--------")

	now := time.Now()

	for _, name := range identities {
		status, err := coordinator.GetStatus(ctx, credential.Identity(name))
		if err != nil && !kerrors.IsNotFound(err) {
			return err
		}

		if status == nil || status.Active == nil {
			fmt.Fprintf(w, "%s\t-\t⚪ Never issued\t-\t-\t-\n", name)
			continue
		}

		previousStr := "-"
		if status.Previous != nil {
			previousStr = fmt.Sprintf("v%d", status.Previous.Version)
		}
		rotatingStr := "no"
		if status.RotationInProgress {
			rotatingStr = "🔄 yes"
		}

		fmt.Fprintf(w, "%s\t%s\tv%d (%s)\t%s\t%s\t%s\n",
			name,
			status.Active.Kind,
			status.Active.Version,
			formatTimestamp(status.Active.CreatedAt, now),
			previousStr,
			formatHealth(status.Health.Healthy(), status.Health.Issues()),
			rotatingStr,
		)

		if verbose {
			fmt.Fprintf(w, "  └─ Generations: %d\n", status.Generations)
			for _, issue := range status.Health.Issues() {
				fmt.Fprintf(w, "  └─ %s\n", issue)
			}
		}
	}

	return nil
}
