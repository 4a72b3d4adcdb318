package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "check", "history", "datasets", "migrate", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "municipality-check", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestCheckCommand_Flags(t *testing.T) {
	for _, name := range []string{"country", "lat", "lon", "no-log"} {
		assert.NotNil(t, checkCmd.Flags().Lookup(name), name)
	}
	require.Len(t, checkCmd.Commands(), 1)
	assert.Equal(t, "batch", checkCmd.Commands()[0].Name())
	assert.NotNil(t, checkBatchCmd.Flags().Lookup("no-log"))
}

func TestHistoryCommand_Flags(t *testing.T) {
	flag := historyCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, historyCmd.Flags().Lookup("export"))
	assert.NotNil(t, historyCmd.Flags().Lookup("json"))
}

func TestDatasetsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range datasetsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["fetch"])
	assert.True(t, names["status"])

	flag := datasetsFetchCmd.Flags().Lookup("which")
	require.NotNil(t, flag)
	assert.Equal(t, "all", flag.DefValue)
}

func TestRootCommand_LogLevelFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)
}
