package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/credlink/keyops/pkg/credential"
)

// KeyVaultAPI defines the Azure Key Vault operations the escrow uses.
// This allows for mocking in tests.
type KeyVaultAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// AzureEscrow mirrors credential material into Azure Key Vault.
type AzureEscrow struct {
	client KeyVaultAPI
}

// AzureConfig holds the Azure escrow configuration.
type AzureConfig struct {
	VaultURL     string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// AzureOption is a functional option for configuring the Azure
// escrow.
type AzureOption func(*AzureEscrow)

// WithKeyVaultClient sets a custom Key Vault client (for testing).
func WithKeyVaultClient(client KeyVaultAPI) AzureOption {
	return func(e *AzureEscrow) {
		e.client = client
	}
}

// NewAzureEscrow creates a Key Vault escrow. Service principal
// credentials are used when provided, falling back to the default
// credential chain (managed identity, CLI, environment).
func NewAzureEscrow(cfg AzureConfig, opts ...AzureOption) (*AzureEscrow, error) {
	e := &AzureEscrow{}
	for _, opt := range opts {
		opt(e)
	}
	if e.client != nil {
		return e, nil
	}

	if cfg.VaultURL == "" {
		return nil, fmt.Errorf("azure escrow requires a vault_url")
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	e.client = client
	return e, nil
}

// Name identifies the escrow target.
func (e *AzureEscrow) Name() string {
	return "azure"
}

// Mirror writes the payload as a new secret version. Key Vault
// rejects slashes in secret names, so the name uses a dash separator.
func (e *AzureEscrow) Mirror(ctx context.Context, rec *credential.Record, plaintext string) error {
	payload, err := Payload(rec, plaintext)
	if err != nil {
		return err
	}

	name := secretName(rec.Identity, "-")
	contentType := "text/plain"
	if rec.Kind == credential.KindCertificate {
		contentType = "application/x-pem-file"
	}

	_, err = e.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{
		Value:       to.Ptr(payload),
		ContentType: to.Ptr(contentType),
	}, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden {
			return fmt.Errorf("key vault denied access to %s (check access policy): %w", name, err)
		}
		return fmt.Errorf("failed to set secret %s: %w", name, err)
	}
	return nil
}

var _ Escrow = (*AzureEscrow)(nil)
