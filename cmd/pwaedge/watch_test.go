package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInterval(t *testing.T) {
	d, err := checkInterval("", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	path := filepath.Join(t.TempDir(), "pwaedge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {origin: http://a}\nbackend: {url: http://b}\nupdate: {checkInterval: 15s}\n"), 0o600))
	d, err = checkInterval(path, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	_, err = checkInterval(filepath.Join(t.TempDir(), "missing.yaml"), time.Minute)
	assert.Error(t, err)
}

func TestIsYes(t *testing.T) {
	for _, s := range []string{"y", "Y", " yes\n"} {
		assert.True(t, isYes(s), s)
	}
	for _, s := range []string{"", "n", "nope"} {
		assert.False(t, isYes(s), s)
	}
}
