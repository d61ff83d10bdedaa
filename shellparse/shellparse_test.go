package shellparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractShellCommandFromArgvPosix(t *testing.T) {
	cmd, ok := ExtractShellCommandFromArgv([]string{"/bin/sh", "-c", "echo hi", "extra"})
	require.True(t, ok)
	assert.Equal(t, "echo hi", cmd)

	cmd, ok = ExtractShellCommandFromArgv([]string{"bash", "-lc", "echo hi"})
	require.True(t, ok)
	assert.Equal(t, "echo hi", cmd)
}

func TestExtractShellCommandFromArgvCmdExe(t *testing.T) {
	cmd, ok := ExtractShellCommandFromArgv([]string{"cmd.exe", "/c", "echo", "SAFE&&whoami"})
	require.True(t, ok)
	assert.Equal(t, "echo SAFE&&whoami", cmd)

	cmd, ok = ExtractShellCommandFromArgv([]string{"CMD.EXE", "/K", "dir"})
	require.True(t, ok)
	assert.Equal(t, "dir", cmd)

	cmd, ok = ExtractShellCommandFromArgv([]string{`C:\Windows\System32\cmd.exe`, "/c", "echo", "hi"})
	require.True(t, ok)
	assert.Equal(t, "echo hi", cmd)
}

func TestExtractShellCommandFromArgvNone(t *testing.T) {
	_, ok := ExtractShellCommandFromArgv([]string{"echo", "hi"})
	assert.False(t, ok)

	_, ok = ExtractShellCommandFromArgv(nil)
	assert.False(t, ok)

	_, ok = ExtractShellCommandFromArgv([]string{"sh", "-c"})
	assert.False(t, ok)
}

func TestParseShellSimple(t *testing.T) {
	a := ParseShell("echo hi")
	require.True(t, a.OK)
	require.Len(t, a.Segments, 1)
	assert.Equal(t, []string{"echo", "hi"}, a.Segments[0].Argv)
	assert.Empty(t, a.Operators)
}

func TestParseShellPipeAndAnd(t *testing.T) {
	a := ParseShell("echo hi && rm -rf / | cat")
	require.True(t, a.OK)
	require.Len(t, a.Segments, 3)
	assert.Equal(t, []string{"echo", "hi"}, a.Segments[0].Argv)
	assert.Equal(t, []string{"rm", "-rf", "/"}, a.Segments[1].Argv)
	assert.Equal(t, []string{"cat"}, a.Segments[2].Argv)
	require.Len(t, a.Operators, 2)
	assert.Equal(t, OpAnd, a.Operators[0].Kind)
	assert.Equal(t, OpPipe, a.Operators[1].Kind)
}

func TestParseShellBackgroundIsItsOwnKind(t *testing.T) {
	a := ParseShell("sleep 5 &")
	require.Len(t, a.Operators, 1)
	assert.Equal(t, OpBackground, a.Operators[0].Kind)
}

func TestParseShellRedirectionStaysAttached(t *testing.T) {
	a := ParseShell("echo hi > out.txt")
	require.True(t, a.OK)
	require.Len(t, a.Segments, 1)
	assert.Equal(t, []string{"echo", "hi"}, a.Segments[0].Argv)
	require.Len(t, a.Operators, 1)
	assert.Equal(t, OpRedirection, a.Operators[0].Kind)
	assert.Equal(t, ">", a.Operators[0].Raw)
	assert.Equal(t, "out.txt", a.Operators[0].Target)
}

func TestParseShellFileDescriptorRedirection(t *testing.T) {
	a := ParseShell("cmd 2> err.log")
	require.Len(t, a.Operators, 1)
	assert.Equal(t, "2>", a.Operators[0].Raw)
	assert.Equal(t, "err.log", a.Operators[0].Target)
}

func TestParseShellCommandSubstitutionIsFatal(t *testing.T) {
	for _, s := range []string{
		"echo $(whoami)",
		"echo `whoami`",
		"echo <(ls)",
		"echo >(cat)",
		"echo ${PATH}",
	} {
		a := ParseShell(s)
		assert.False(t, a.OK, "expected ok=false for %q", s)
	}
}

func TestParseShellPlainVariableIsNotFatal(t *testing.T) {
	a := ParseShell("echo $PATH")
	require.True(t, a.OK)
	assert.Equal(t, []string{"echo", "$PATH"}, a.Segments[0].Argv)
}

func TestParseShellSubshellIsFatal(t *testing.T) {
	a := ParseShell("(echo hi)")
	assert.False(t, a.OK)
	require.NotEmpty(t, a.Operators)
	assert.Equal(t, OpSubshell, a.Operators[0].Kind)
}

func TestParseShellUnterminatedQuoteIsFatal(t *testing.T) {
	a := ParseShell(`echo "hi`)
	assert.False(t, a.OK)
}

func TestParseShellVariableAssignmentAsCommandIsFatal(t *testing.T) {
	a := ParseShell("FOO=bar")
	assert.False(t, a.OK)
}

func TestParseShellEnvPrefixBeforeCommandIsNotFatal(t *testing.T) {
	a := ParseShell("FOO=bar echo hi")
	require.True(t, a.OK)
	require.Len(t, a.Segments, 1)
	assert.Equal(t, []string{"FOO=bar"}, a.Segments[0].EnvPrefix)
	assert.Equal(t, []string{"echo", "hi"}, a.Segments[0].Argv)
}

func TestParseShellUnquotedGlobAsProgramIsFatal(t *testing.T) {
	a := ParseShell("/usr/bin/*.sh")
	assert.False(t, a.OK)
}

func TestParseShellQuotedGlobCharIsNotFatal(t *testing.T) {
	a := ParseShell(`find . -name "*.go"`)
	require.True(t, a.OK)
	assert.Equal(t, []string{"find", ".", "-name", "*.go"}, a.Segments[0].Argv)
}

func TestParseShellQuotingAndEscapes(t *testing.T) {
	a := ParseShell(`git commit -m "fix: handle \"quoted\" paths"`)
	require.True(t, a.OK)
	assert.Equal(t, []string{"git", "commit", "-m", `fix: handle "quoted" paths`}, a.Segments[0].Argv)
}

func TestParseShellSingleQuoteIsLiteral(t *testing.T) {
	a := ParseShell(`echo '$HOME && rm -rf /'`)
	require.True(t, a.OK)
	assert.Equal(t, []string{"echo", "$HOME && rm -rf /"}, a.Segments[0].Argv)
}
