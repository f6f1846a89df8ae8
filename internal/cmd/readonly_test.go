package cmd

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetReadOnly(t *testing.T) {
	t.Helper()
	readOnly = false
	viper.Set("readonly", false)
	require.NoError(t, rootCmd.PersistentFlags().Set("readonly", "false"))
}

func TestJobsSubmit_ReadOnly_Blocks(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "jobs", "submit", "--service", "sleep"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestJobsAbort_ReadOnly_Blocks(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "jobs", "abort", "0123456789abcdef"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestJobsDelete_ReadOnly_Blocks(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "jobs", "delete", "0123456789abcdef"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestJobsGC_ReadOnly_Blocks(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "jobs", "gc"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestWorker_ReadOnly_Blocks(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "worker", "0123456789abcdef"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}
