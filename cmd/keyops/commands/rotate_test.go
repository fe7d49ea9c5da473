package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credlink/keyops/internal/config"
	"github.com/credlink/keyops/internal/logging"
)

func TestRotateCommand(t *testing.T) {
	t.Parallel()

	t.Run("command has correct flags", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Logger: logging.New(false, true)}
		cmd := NewRotateCommand(cfg)

		require.NotNil(t, cmd.Flags().Lookup("identity"), "identity flag should exist")
		require.NotNil(t, cmd.Flags().Lookup("dry-run"), "dry-run flag should exist")
		require.NotNil(t, cmd.Flags().Lookup("wait"), "wait flag should exist")
		require.NotNil(t, cmd.Flags().Lookup("keychain"), "keychain flag should exist")
	})

	t.Run("missing identity flag returns error", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Logger: logging.New(false, true)}
		cmd := NewRotateCommand(cfg)
		cmd.SetArgs([]string{"--dry-run"})

		err := cmd.Execute()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "identity")
	})

	t.Run("command use and short description", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Logger: logging.New(false, true)}
		cmd := NewRotateCommand(cfg)

		assert.Equal(t, "rotate", cmd.Use)
		assert.Contains(t, cmd.Long, "--keychain")
		assert.Contains(t, cmd.Long, "--dry-run")
	})
}

func TestRotateCommand_UnknownIdentity(t *testing.T) {
	t.Parallel()

	cfg := writeTestConfig(t)
	cmd := NewRotateCommand(cfg)
	cmd.SetArgs([]string{"--identity", "nonexistent"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestRotateCommand_DryRunCommitsNothing(t *testing.T) {
	t.Parallel()

	cfg := writeTestConfig(t)
	cmd := NewRotateCommand(cfg)
	cmd.SetArgs([]string{"--identity", "client-acme", "--dry-run"})
	require.NoError(t, cmd.Execute())

	// No lineage should exist after a dry run.
	current := NewCurrentCommand(cfg)
	current.SetArgs([]string{"client-acme"})
	err := current.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No active credential")
}

func TestRotateCommand_IssuesAndAdvancesVersions(t *testing.T) {
	t.Parallel()

	cfg := writeTestConfig(t)

	rotate := NewRotateCommand(cfg)
	rotate.SetArgs([]string{"--identity", "client-acme"})
	require.NoError(t, rotate.Execute())

	// Second rotation advances the lineage.
	rotate = NewRotateCommand(cfg)
	rotate.SetArgs([]string{"--identity", "client-acme"})
	require.NoError(t, rotate.Execute())

	current := NewCurrentCommand(cfg)
	current.SetArgs([]string{"client-acme"})
	require.NoError(t, current.Execute())
}

func TestRotateCommand_CertificateIdentity(t *testing.T) {
	t.Parallel()

	cfg := writeTestConfig(t)

	rotate := NewRotateCommand(cfg)
	rotate.SetArgs([]string{"--identity", "signing-cert"})
	require.NoError(t, rotate.Execute())

	current := NewCurrentCommand(cfg)
	current.SetArgs([]string{"signing-cert", "--format", "json"})
	require.NoError(t, current.Execute())
}
