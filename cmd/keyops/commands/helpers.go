package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/credlink/keyops/internal/config"
	"github.com/credlink/keyops/internal/escrow"
	"github.com/credlink/keyops/internal/material"
	"github.com/credlink/keyops/internal/store"
	"github.com/credlink/keyops/pkg/engine"
)

// buildStore constructs the record store selected by keyops.yaml.
func buildStore(def *config.Definition) (store.Store, error) {
	switch def.Store.Type {
	case "sql":
		s, err := store.NewSQLStore(def.Store.Database, def.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQL store: %w", err)
		}
		if err := s.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to prepare SQL schema: %w", err)
		}
		return s, nil
	default:
		dir := def.Store.Path
		if dir == "" {
			dir = store.DefaultStoreDir()
		}
		return store.NewFileStore(dir), nil
	}
}

// buildEscrows constructs every escrow backend configured in
// keyops.yaml. Identities opt in per policy; unconfigured backends
// are simply absent.
func buildEscrows(ctx context.Context, def *config.Definition) ([]escrow.Escrow, error) {
	var escrows []escrow.Escrow

	if aws := def.Escrows.AWS; aws != nil {
		e, err := escrow.NewAWSEscrow(escrow.AWSConfig{
			Region:          aws.Region,
			Endpoint:        aws.Endpoint,
			AccessKeyID:     aws.AccessKeyID,
			SecretAccessKey: aws.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure AWS escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	if gcp := def.Escrows.GCP; gcp != nil {
		e, err := escrow.NewGCPEscrow(ctx, escrow.GCPConfig{
			ProjectID:             gcp.ProjectID,
			ServiceAccountKeyPath: gcp.ServiceAccountKeyPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure GCP escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	if az := def.Escrows.Azure; az != nil {
		e, err := escrow.NewAzureEscrow(escrow.AzureConfig{
			VaultURL:     az.VaultURL,
			TenantID:     az.TenantID,
			ClientID:     az.ClientID,
			ClientSecret: az.ClientSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Azure escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	return escrows, nil
}

// buildCoordinator wires the full engine from loaded configuration.
func buildCoordinator(ctx context.Context, cfg *config.Config) (*engine.Coordinator, error) {
	recordStore, err := buildStore(cfg.Definition)
	if err != nil {
		return nil, err
	}

	escrows, err := buildEscrows(ctx, cfg.Definition)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Options{
		Store: recordStore,
		Providers: []material.Provider{
			material.NewCertificateProvider(&material.SelfSignedIssuer{}),
			material.NewAPIKeyProvider(),
		},
		Escrows:             escrows,
		Logger:              cfg.Logger,
		NearExpiryThreshold: cfg.Definition.NearExpiryThreshold(),
	})
}

// identityNames returns the configured identities in sorted order.
func identityNames(def *config.Definition) []string {
	names := make([]string, 0, len(def.Identities))
	for name := range def.Identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatTimestamp(t time.Time, now time.Time) string {
	diff := now.Sub(t)

	// Future time
	if diff < 0 {
		diff = -diff
		if diff < time.Hour {
			return fmt.Sprintf("in %d min", int(diff.Minutes()))
		} else if diff < 24*time.Hour {
			return fmt.Sprintf("in %d hr", int(diff.Hours()))
		}
		return fmt.Sprintf("in %d days", int(diff.Hours()/24))
	}

	// Past time
	if diff < time.Minute {
		return "Just now"
	} else if diff < time.Hour {
		return fmt.Sprintf("%d min ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%d hr ago", int(diff.Hours()))
	} else if diff < 7*24*time.Hour {
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	}
	return t.Format("2006-01-02")
}

func formatHealth(healthy bool, issues []string) string {
	if healthy {
		return "✅ Healthy"
	}
	if len(issues) > 0 {
		return "🟡 " + issues[0]
	}
	return "🟡 Needs attention"
}
