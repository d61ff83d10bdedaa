package gatekeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDirectFormMatch(t *testing.T) {
	nc, err := Normalize(Request{Command: []string{"echo", "hi"}, RawCommand: "echo hi"})
	require.NoError(t, err)
	assert.Nil(t, nc.ShellCommand)
	assert.Equal(t, "echo hi", nc.CmdText)
}

func TestNormalizeRawCommandMismatch(t *testing.T) {
	_, err := Normalize(Request{Command: []string{"uname", "-a"}, RawCommand: "echo hi"})
	assert.ErrorIs(t, err, ErrRawCommandMismatch)
}

func TestNormalizeShellWrapperMatch(t *testing.T) {
	nc, err := Normalize(Request{Command: []string{"/bin/sh", "-lc", "echo hi"}, RawCommand: "echo hi"})
	require.NoError(t, err)
	require.NotNil(t, nc.ShellCommand)
	assert.Equal(t, "echo hi", *nc.ShellCommand)
	assert.Equal(t, "echo hi", nc.CmdText)
}

func TestNormalizeCmdExeTrailingArgSmuggling(t *testing.T) {
	_, err := Normalize(Request{
		Command:    []string{"cmd.exe", "/d", "/s", "/c", "echo", "SAFE&&whoami"},
		RawCommand: "echo",
	})
	assert.ErrorIs(t, err, ErrRawCommandMismatch)
}

func TestNormalizeCmdExeFullConcatenationMatches(t *testing.T) {
	nc, err := Normalize(Request{
		Command:    []string{"cmd.exe", "/d", "/s", "/c", "echo", "SAFE&&whoami"},
		RawCommand: "echo SAFE&&whoami",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo SAFE&&whoami", nc.CmdText)
}

func TestNormalizeMissingCommand(t *testing.T) {
	_, err := Normalize(Request{})
	assert.ErrorIs(t, err, ErrMissingCommand)
}

func TestNormalizeNoRawCommandIsFine(t *testing.T) {
	nc, err := Normalize(Request{Command: []string{"ls", "-la"}})
	require.NoError(t, err)
	assert.Equal(t, "ls -la", nc.CmdText)
}
