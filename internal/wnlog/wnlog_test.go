package wnlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesTodaysLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close() })

	logger.Info().Msg("hello")

	wantName := "whitenoise-" + time.Now().UTC().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, wantName))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, false)
	require.NoError(t, err)

	require.NoError(t, Close())
	require.NoError(t, Close())
}

func TestComponentTagsTheLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close() })

	c := Component(logger, "router")
	c.Info().Msg("tagged")

	wantName := "whitenoise-" + time.Now().UTC().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, wantName))
	require.NoError(t, err)
	require.Contains(t, string(data), `"component":"router"`)
}
