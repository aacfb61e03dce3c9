package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"passport", "session", "export", "watch"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestPassportSubcommands(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"passport", "create"})
	require.NoError(t, err)
	assert.Equal(t, "create", cmd.Name())

	required, err := cmd.Flags().GetString("purpose")
	require.NoError(t, err)
	assert.Empty(t, required)
}

func TestSessionSubcommands(t *testing.T) {
	for _, sub := range []string{"create", "run", "list", "show"} {
		cmd, _, err := rootCmd.Find([]string{"session", sub})
		require.NoError(t, err)
		assert.Equal(t, sub, cmd.Name())
	}
}
