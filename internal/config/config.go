// Package config loads and validates keyops.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/internal/logging"
	"github.com/credlink/keyops/internal/material"
	"github.com/credlink/keyops/pkg/credential"
)

// Defaults applied when keyops.yaml leaves a knob unset.
const (
	DefaultGraceWindowHours       = 24
	DefaultJanitorIntervalMinutes = 15
	DefaultNearExpiryDays         = 7
)

// Config holds the runtime configuration.
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the keyops.yaml structure.
type Definition struct {
	Version int         `yaml:"version" json:"version"`
	Store   StoreConfig `yaml:"store" json:"store"`

	// GraceWindowHours is how long a superseded credential stays in
	// the previous state before the janitor retires it.
	GraceWindowHours int `yaml:"grace_window_hours,omitempty" json:"grace_window_hours,omitempty"`

	// JanitorIntervalMinutes is the sweep cadence of the long-running
	// janitor.
	JanitorIntervalMinutes int `yaml:"janitor_interval_minutes,omitempty" json:"janitor_interval_minutes,omitempty"`

	// NearExpiryDays is the health evaluator's near-expiry threshold.
	NearExpiryDays int `yaml:"near_expiry_days,omitempty" json:"near_expiry_days,omitempty"`

	Escrows    EscrowsConfig             `yaml:"escrows,omitempty" json:"escrows,omitempty"`
	Identities map[string]IdentityPolicy `yaml:"identities" json:"identities"`
}

// StoreConfig selects and parameterizes the record store backend.
type StoreConfig struct {
	// Type is "file" or "sql".
	Type string `yaml:"type" json:"type"`

	// Path is the record directory for the file backend. Empty means
	// the platform default.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Database is the SQL backend type (postgres, postgresql, mysql,
	// mariadb).
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// DSN is the SQL connection string.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// EscrowsConfig holds the optional external mirroring backends.
type EscrowsConfig struct {
	AWS   *AWSEscrowConfig   `yaml:"aws,omitempty" json:"aws,omitempty"`
	GCP   *GCPEscrowConfig   `yaml:"gcp,omitempty" json:"gcp,omitempty"`
	Azure *AzureEscrowConfig `yaml:"azure,omitempty" json:"azure,omitempty"`
}

// AWSEscrowConfig configures the AWS Secrets Manager mirror.
type AWSEscrowConfig struct {
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// GCPEscrowConfig configures the Google Secret Manager mirror.
type GCPEscrowConfig struct {
	ProjectID             string `yaml:"project_id" json:"project_id"`
	ServiceAccountKeyPath string `yaml:"service_account_key_path,omitempty" json:"service_account_key_path,omitempty"`
}

// AzureEscrowConfig configures the Azure Key Vault mirror.
type AzureEscrowConfig struct {
	VaultURL     string `yaml:"vault_url" json:"vault_url"`
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
}

// IdentityPolicy is the per-identity rotation policy document.
type IdentityPolicy struct {
	Kind                  string   `yaml:"kind" json:"kind"`
	CommonName            string   `yaml:"common_name,omitempty" json:"common_name,omitempty"`
	DNSNames              []string `yaml:"dns_names,omitempty" json:"dns_names,omitempty"`
	ValidityDays          int      `yaml:"validity_days,omitempty" json:"validity_days,omitempty"`
	KeySize               int      `yaml:"key_size,omitempty" json:"key_size,omitempty"`
	RotationIntervalHours int      `yaml:"rotation_interval_hours,omitempty" json:"rotation_interval_hours,omitempty"`

	// Escrow names the mirroring backends for this identity, from the
	// configured set.
	Escrow []string `yaml:"escrow,omitempty" json:"escrow,omitempty"`
}

// MaterialPolicy converts the policy document into generation
// parameters.
func (p IdentityPolicy) MaterialPolicy() material.Policy {
	return material.Policy{
		CommonName:   p.CommonName,
		DNSNames:     p.DNSNames,
		ValidityDays: p.ValidityDays,
		KeySize:      p.KeySize,
	}
}

// GraceWindow returns the configured grace window as a duration.
func (d *Definition) GraceWindow() time.Duration {
	return time.Duration(d.GraceWindowHours) * time.Hour
}

// JanitorInterval returns the configured sweep cadence as a duration.
func (d *Definition) JanitorInterval() time.Duration {
	return time.Duration(d.JanitorIntervalMinutes) * time.Minute
}

// NearExpiryThreshold returns the configured near-expiry window as a
// duration.
func (d *Definition) NearExpiryThreshold() time.Duration {
	return time.Duration(d.NearExpiryDays) * 24 * time.Hour
}

// Policy returns the identity's policy document.
func (d *Definition) Policy(identity credential.Identity) (IdentityPolicy, error) {
	p, ok := d.Identities[string(identity)]
	if !ok {
		return IdentityPolicy{}, kerrors.ConfigError{
			Field:      "identities",
			Value:      string(identity),
			Message:    "identity is not configured",
			Suggestion: "Add the identity to the identities section of keyops.yaml",
		}
	}
	return p, nil
}

// Load reads and parses the keyops.yaml file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return kerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create keyops.yaml or pass --config with the right path",
			}
		}
		return kerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse unmarshals, defaults, and validates a keyops.yaml document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, kerrors.ConfigError{
			Message:    fmt.Sprintf("invalid YAML syntax: %v", err),
			Suggestion: "Check indentation and quoting in keyops.yaml",
		}
	}

	// Schema validation sees the document as written; defaults come
	// after so omitted knobs pass while explicit bad values fail.
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	applyDefaults(&def)

	if err := validateSemantics(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func applyDefaults(def *Definition) {
	if def.Store.Type == "" {
		def.Store.Type = "file"
	}
	if def.GraceWindowHours == 0 {
		def.GraceWindowHours = DefaultGraceWindowHours
	}
	if def.JanitorIntervalMinutes == 0 {
		def.JanitorIntervalMinutes = DefaultJanitorIntervalMinutes
	}
	if def.NearExpiryDays == 0 {
		def.NearExpiryDays = DefaultNearExpiryDays
	}
}

// validateSemantics covers the cross-field rules the JSON schema
// cannot express.
func validateSemantics(def *Definition) error {
	if def.Store.Type == "sql" {
		if def.Store.DSN == "" {
			return kerrors.ConfigError{
				Field:      "store.dsn",
				Message:    "the sql store requires a connection string",
				Suggestion: "Set store.dsn, e.g. postgres://keyops@db/keyops",
			}
		}
		if def.Store.Database == "" {
			return kerrors.ConfigError{
				Field:      "store.database",
				Message:    "the sql store requires a database type",
				Suggestion: "Set store.database to postgres or mysql",
			}
		}
	}

	for name, policy := range def.Identities {
		if !credential.Kind(policy.Kind).Valid() {
			return kerrors.ConfigError{
				Field:      fmt.Sprintf("identities.%s.kind", name),
				Value:      policy.Kind,
				Message:    "unknown credential kind",
				Suggestion: "Use certificate or api_key",
			}
		}
		for _, target := range policy.Escrow {
			if !def.escrowConfigured(target) {
				return kerrors.ConfigError{
					Field:      fmt.Sprintf("identities.%s.escrow", name),
					Value:      target,
					Message:    "escrow target is not configured",
					Suggestion: "Add the backend under the escrows section, or remove it from the identity",
				}
			}
		}
	}
	return nil
}

func (d *Definition) escrowConfigured(name string) bool {
	switch name {
	case "aws":
		return d.Escrows.AWS != nil
	case "gcp":
		return d.Escrows.GCP != nil
	case "azure":
		return d.Escrows.Azure != nil
	default:
		return false
	}
}
