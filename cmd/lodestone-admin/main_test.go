package main

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

func TestPrintUsageListsAllCommands(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w

	require.NoError(t, printUsage())

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	outStr := string(output)
	for name := range commands() {
		require.Contains(t, outStr, name)
	}
}

func TestFormatPackageRow(t *testing.T) {
	crawled := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	row := formatPackageRow(&model.Package{
		Name:       "acme/http-client",
		Repository: "https://github.com/acme/http-client.git",
		CrawledAt:  &crawled,
	})
	assert.Contains(t, row, "acme/http-client")
	assert.Contains(t, row, "synced 2025-06-01T12:00:00Z")
	assert.NotContains(t, row, "[")

	gone := crawled.Add(time.Hour)
	row = formatPackageRow(&model.Package{
		Name:         "acme/dead",
		Repository:   "https://github.com/acme/dead.git",
		Disabled:     true,
		RemoteGoneAt: &gone,
	})
	assert.Contains(t, row, "never-synced")
	assert.Contains(t, row, "[disabled,remote-gone]")
}

func TestIsLikelyRemoteHost(t *testing.T) {
	assert.False(t, isLikelyRemoteHost(""))
	assert.False(t, isLikelyRemoteHost("localhost"))
	assert.False(t, isLikelyRemoteHost("127.0.0.1"))
	assert.False(t, isLikelyRemoteHost("::1"))
	assert.False(t, isLikelyRemoteHost("db.local"))
	assert.True(t, isLikelyRemoteHost("10.0.1.5"))
	assert.True(t, isLikelyRemoteHost("db.prod.example.com"))
}

func TestParseScheduleUpdateFlags(t *testing.T) {
	_, err := parseScheduleUpdateFlags(nil)
	require.Error(t, err)

	opts, err := parseScheduleUpdateFlags([]string{
		"-package", "acme/http-client",
		"-force",
		"-delete-before",
		"-delay", "15m",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme/http-client", opts.Package)
	assert.True(t, opts.Force)
	assert.True(t, opts.DeleteBefore)
	assert.False(t, opts.UpdateEqualRefs)
	assert.Equal(t, 15*time.Minute, opts.Delay)

	_, err = parseScheduleUpdateFlags([]string{"-package", "acme/x", "-delay", "-1s"})
	require.Error(t, err)
}

func TestParseDBResetFlags(t *testing.T) {
	opts, err := parseDBResetFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMigrationTimeout, opts.Timeout)
	assert.False(t, opts.Yes)

	opts, err = parseDBResetFlags([]string{"-yes", "-seed", "-allow-remote", "-timeout", "30s"})
	require.NoError(t, err)
	assert.True(t, opts.Yes)
	assert.True(t, opts.Seed)
	assert.True(t, opts.AllowRemote)
	assert.Equal(t, 30*time.Second, opts.Timeout)

	_, err = parseDBResetFlags([]string{"-timeout", "0"})
	require.Error(t, err)
}

func TestParseJobStatusFlags(t *testing.T) {
	_, err := parseJobStatusFlags(nil)
	require.Error(t, err)

	opts, err := parseJobStatusFlags([]string{"-job", "0198c6a2", "-maintainer"})
	require.NoError(t, err)
	assert.Equal(t, "0198c6a2", opts.JobID)
	assert.True(t, opts.Maintainer)
}
