package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "emojispaced dev")
}

func TestValidateSampleConfig(t *testing.T) {
	out, err := execute(t, "validate", "--config", filepath.Join("..", "..", "config", "emojispace.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "instance_id:  desk-1")
	assert.Contains(t, out, "mqtt:         disabled")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance_id: Not_Valid\n"), 0o644))

	_, err := execute(t, "validate", "-c", path)
	assert.Error(t, err)
}
