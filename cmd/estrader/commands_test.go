package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAt(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	got, err := parseAt("2025-11-27T12:30:00", ny)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Hour())
	assert.Equal(t, ny, got.Location())

	got, err = parseAt("2025-11-27T17:30:00Z", ny)
	require.NoError(t, err)
	assert.Equal(t, 12, got.In(ny).Hour())

	got, err = parseAt(" 2025-11-27 09:45 ", ny)
	require.NoError(t, err)
	assert.Equal(t, 45, got.Minute())

	_, err = parseAt("tomorrow", ny)
	assert.Error(t, err)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "window", "calendar"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	refresh, _, err := root.Find([]string{"calendar", "refresh"})
	require.NoError(t, err)
	assert.Equal(t, "refresh", refresh.Name())
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
