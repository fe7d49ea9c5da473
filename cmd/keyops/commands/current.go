package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/credlink/keyops/internal/config"
	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// NewCurrentCommand creates the current command
func NewCurrentCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "current <identity>",
		Short: "Show an identity's active credential",
		Long: `Display the active credential record for an identity. Secret hashes
are redacted; only the public material, version, and lifecycle data
are shown.`,
		Example: `  # Show the active signing certificate
  keyops current signing-cert-prod

  # Machine-readable output
  keyops current client-acme --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeCurrent(cfg, args[0], format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")

	return cmd
}

func executeCurrent(cfg *config.Config, identity, format string) error {
	if err := cfg.Load(); err != nil {
		return err
	}

	ctx := context.Background()
	coordinator, err := buildCoordinator(ctx, cfg)
	if err != nil {
		return err
	}

	rec, err := coordinator.GetCurrent(ctx, credential.Identity(identity))
	if err != nil {
		if kerrors.IsNotFound(err) {
			return kerrors.UserError{
				Message:    fmt.Sprintf("No active credential exists for '%s'", identity),
				Suggestion: "Run 'keyops rotate --identity " + identity + "' to issue the first generation",
			}
		}
		return err
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rec)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(recordDocument(rec))
	default:
		printRecordTable(rec)
		return nil
	}
}

// recordDocument flattens a record for YAML output.
func recordDocument(rec *credential.Record) map[string]interface{} {
	doc := map[string]interface{}{
		"identity":   string(rec.Identity),
		"version":    rec.Version,
		"kind":       string(rec.Kind),
		"state":      string(rec.State),
		"created_at": rec.CreatedAt,
	}
	if rec.ExpiresAt != nil {
		doc["expires_at"] = *rec.ExpiresAt
	}
	if rec.Material.Fingerprint != "" {
		doc["fingerprint"] = rec.Material.Fingerprint
	}
	if rec.Material.Hint != "" {
		doc["hint"] = rec.Material.Hint
	}
	if rec.RotationIntervalHours > 0 {
		doc["rotation_interval_hours"] = rec.RotationIntervalHours
	}
	return doc
}

func printRecordTable(rec *credential.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	_, _ = fmt.Fprintf(w, "Identity:\t%s\n", rec.Identity)
	_, _ = fmt.Fprintf(w, "Version:\tv%d\n", rec.Version)
	_, _ = fmt.Fprintf(w, "Kind:\t%s\n", rec.Kind)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", rec.State)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.ExpiresAt != nil {
		_, _ = fmt.Fprintf(w, "Expires:\t%s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
	if rec.Material.Fingerprint != "" {
		_, _ = fmt.Fprintf(w, "Fingerprint:\t%s\n", rec.Material.Fingerprint)
	}
	if rec.Material.Hint != "" {
		_, _ = fmt.Fprintf(w, "Hint:\t…%s\n", rec.Material.Hint)
	}
	if rec.RotationIntervalHours > 0 {
		_, _ = fmt.Fprintf(w, "Interval:\t%dh\n", rec.RotationIntervalHours)
	}
}
