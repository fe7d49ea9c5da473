package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credlink/keyops/internal/config"
	"github.com/credlink/keyops/internal/logging"
)

func TestJanitorCommand(t *testing.T) {
	t.Parallel()

	t.Run("command has correct flags", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Logger: logging.New(false, true)}
		cmd := NewJanitorCommand(cfg)

		require.NotNil(t, cmd.Flags().Lookup("once"), "once flag should exist")
		listenFlag := cmd.Flags().Lookup("listen")
		require.NotNil(t, listenFlag, "listen flag should exist")
		assert.Equal(t, ":9464", listenFlag.DefValue)
	})

	t.Run("single sweep on empty store", func(t *testing.T) {
		t.Parallel()
		cfg := writeTestConfig(t)

		cmd := NewJanitorCommand(cfg)
		cmd.SetArgs([]string{"--once"})
		require.NoError(t, cmd.Execute())
	})

	t.Run("sweep keeps fresh previous generations", func(t *testing.T) {
		t.Parallel()
		cfg := writeTestConfig(t)

		for i := 0; i < 2; i++ {
			rotate := NewRotateCommand(cfg)
			rotate.SetArgs([]string{"--identity", "client-acme"})
			require.NoError(t, rotate.Execute())
		}

		janitor := NewJanitorCommand(cfg)
		janitor.SetArgs([]string{"--once"})
		require.NoError(t, janitor.Execute())

		// The previous generation is inside the grace window, so
		// rollback must still work.
		rollback := NewRollbackCommand(cfg)
		rollback.SetArgs([]string{"--identity", "client-acme", "--reason", "still warm", "--force"})
		require.NoError(t, rollback.Execute())
	})
}
