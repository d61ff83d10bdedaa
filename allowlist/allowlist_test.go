package allowlist

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/resolver"
	"cmdgate/shellparse"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestAddEntryRejectsRelativePattern(t *testing.T) {
	s := newTestStore(t)
	err := s.AddEntry("", "bin/echo")
	assert.Error(t, err)
}

func TestAddEntryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("agent-1", "/usr/bin/echo"))
	require.NoError(t, s.AddEntry("agent-1", "/usr/bin/echo"))
	assert.Len(t, s.Snapshot(), 1)
}

func TestRecordUseIncrementsUseCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("", "/bin/ls"))
	entries := s.Snapshot()
	require.Len(t, entries, 1)

	require.NoError(t, s.RecordUse(entries[0], "ls -la"))
	require.NoError(t, s.RecordUse(entries[0], "ls -la"))

	entries = s.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].UseCount)
	assert.Equal(t, "ls -la", entries[0].LastCmdText)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	s1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.AddEntry("agent-1", "/usr/bin/git"))

	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	entries := s2.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/git", entries[0].Pattern)
	assert.Equal(t, "agent-1", entries[0].AgentID)
}

func TestEvaluateExecSatisfiedWithMatchingEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("", "/usr/bin/echo"))

	analysis := shellparse.ParseShell("echo hi")
	require.True(t, analysis.OK)
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/usr/bin/echo", ResolvedVia: resolver.ViaPath}

	matches, satisfied := s.EvaluateExec(analysis, "agent-1", "/home/agent")
	assert.True(t, satisfied)
	require.Len(t, matches, 1)
	assert.Equal(t, "/usr/bin/echo", matches[0].Pattern)
}

func TestEvaluateExecUnmatchedSegmentIsUnsatisfied(t *testing.T) {
	s := newTestStore(t)

	analysis := shellparse.ParseShell("rm -rf /")
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/bin/rm", ResolvedVia: resolver.ViaPath}

	_, satisfied := s.EvaluateExec(analysis, "agent-1", "/home/agent")
	assert.False(t, satisfied)
}

func TestEvaluateExecBackgroundIsForbidden(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("", "/usr/bin/sleep"))

	analysis := shellparse.ParseShell("sleep 5 &")
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/usr/bin/sleep", ResolvedVia: resolver.ViaPath}

	_, satisfied := s.EvaluateExec(analysis, "", "/home/agent")
	assert.False(t, satisfied)
}

func TestEvaluateExecSafeBinAutoSatisfiesWithoutEntry(t *testing.T) {
	s := newTestStore(t)

	analysis := shellparse.ParseShell("cat file.txt")
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/usr/bin/cat", ResolvedVia: resolver.ViaSafeBin}

	matches, satisfied := s.EvaluateExec(analysis, "", "/home/agent")
	assert.True(t, satisfied)
	assert.Empty(t, matches)
}

func TestEvaluateExecRedirectionOutsideCwdIsForbidden(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("", "/usr/bin/echo"))

	analysis := shellparse.ParseShell("echo hi > /etc/passwd")
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/usr/bin/echo", ResolvedVia: resolver.ViaPath}

	_, satisfied := s.EvaluateExec(analysis, "", "/home/agent")
	assert.False(t, satisfied)
}

func TestEvaluateExecRedirectionInsideCwdIsAllowed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddEntry("", "/usr/bin/echo"))

	analysis := shellparse.ParseShell("echo hi > out.txt")
	analysis.Segments[0].Resolution = &resolver.Resolution{ResolvedPath: "/usr/bin/echo", ResolvedVia: resolver.ViaPath}

	_, satisfied := s.EvaluateExec(analysis, "", "/home/agent")
	assert.True(t, satisfied)
}
