package escrow

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/credlink/keyops/pkg/credential"
)

// GCPEscrow mirrors credential material into Google Cloud Secret
// Manager.
type GCPEscrow struct {
	client    *secretmanager.Client
	projectID string
}

// GCPConfig holds the GCP escrow configuration.
type GCPConfig struct {
	ProjectID             string
	ServiceAccountKeyPath string
}

// NewGCPEscrow creates a Secret Manager escrow for the given project.
func NewGCPEscrow(ctx context.Context, cfg GCPConfig) (*GCPEscrow, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp escrow requires a project_id")
	}

	var clientOpts []option.ClientOption
	if cfg.ServiceAccountKeyPath != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.ServiceAccountKeyPath))
	}

	client, err := secretmanager.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &GCPEscrow{
		client:    client,
		projectID: cfg.ProjectID,
	}, nil
}

// Name identifies the escrow target.
func (e *GCPEscrow) Name() string {
	return "gcp"
}

// Close releases the underlying gRPC connection.
func (e *GCPEscrow) Close() error {
	return e.client.Close()
}

// Mirror adds the payload as a new secret version, creating the
// secret on first use. Secret Manager rejects slashes in secret IDs,
// so the name uses a dash separator.
func (e *GCPEscrow) Mirror(ctx context.Context, rec *credential.Record, plaintext string) error {
	payload, err := Payload(rec, plaintext)
	if err != nil {
		return err
	}

	secretID := secretName(rec.Identity, "-")
	parent := fmt.Sprintf("projects/%s", e.projectID)
	fullName := fmt.Sprintf("%s/secrets/%s", parent, secretID)

	_, err = e.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  fullName,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)},
	})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to add secret version for %s: %w", secretID, err)
	}

	_, err = e.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   parent,
		SecretId: secretID,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create secret %s: %w", secretID, err)
	}

	_, err = e.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  fullName,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)},
	})
	if err != nil {
		return fmt.Errorf("failed to add secret version for %s: %w", secretID, err)
	}
	return nil
}

var _ Escrow = (*GCPEscrow)(nil)
