package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReusesPendingDuplicate(t *testing.T) {
	m := NewManager(time.Hour)
	req := RequestSummary{CommandText: "echo hi", SessionKey: "s1", AgentID: "a1"}
	id1 := m.Open(req, "agent-a1")
	id2 := m.Open(req, "agent-a1")
	assert.Equal(t, id1, id2)
}

func TestResolveThenResolveAgainFails(t *testing.T) {
	m := NewManager(time.Hour)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")

	require.NoError(t, m.Resolve(id, DecisionAllowOnce, "operator-1", []string{RequiredScope}))
	err := m.Resolve(id, DecisionDeny, "operator-1", []string{RequiredScope})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveUnknownIDFails(t *testing.T) {
	m := NewManager(time.Hour)
	err := m.Resolve("nope", DecisionAllowOnce, "operator-1", []string{RequiredScope})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotMissingReturnsFalse(t *testing.T) {
	m := NewManager(time.Hour)
	_, ok := m.Snapshot("nope")
	assert.False(t, ok)
}

func TestSanitizeForForwardingNoRunIDIsUnapproved(t *testing.T) {
	m := NewManager(time.Hour)
	result := m.SanitizeForForwarding(ForwardCheck{})
	assert.True(t, result.OK)
	assert.False(t, result.Approved)
}

func TestSanitizeForForwardingApprovedMatchingCommand(t *testing.T) {
	m := NewManager(time.Hour)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")
	require.NoError(t, m.Resolve(id, DecisionAllowAlways, "operator-1", []string{RequiredScope}))

	result := m.SanitizeForForwarding(ForwardCheck{RunID: id, CommandText: "echo hi"})
	assert.True(t, result.OK)
	assert.True(t, result.Approved)
	assert.Equal(t, DecisionAllowAlways, result.ApprovalDecision)
}

func TestSanitizeForForwardingRejectsSmuggledCommand(t *testing.T) {
	m := NewManager(time.Hour)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")
	require.NoError(t, m.Resolve(id, DecisionAllowOnce, "operator-1", []string{RequiredScope}))

	result := m.SanitizeForForwarding(ForwardCheck{RunID: id, CommandText: "echo hi && rm -rf /"})
	assert.False(t, result.OK)
	assert.False(t, result.Approved)
	assert.Equal(t, "RAW_COMMAND_MISMATCH", result.DetailsCode)
}

func TestSanitizeForForwardingRejectsResolverWithoutScope(t *testing.T) {
	m := NewManager(time.Hour)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")
	require.NoError(t, m.Resolve(id, DecisionAllowOnce, "operator-1", nil))

	result := m.SanitizeForForwarding(ForwardCheck{RunID: id, CommandText: "echo hi"})
	assert.False(t, result.OK)
	assert.False(t, result.Approved)
}

func TestSanitizeForForwardingPendingIsUnapprovedNotError(t *testing.T) {
	m := NewManager(time.Hour)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")

	result := m.SanitizeForForwarding(ForwardCheck{RunID: id, CommandText: "echo hi"})
	assert.True(t, result.OK)
	assert.False(t, result.Approved)
}

func TestSanitizeForForwardingExpiredIsUnapproved(t *testing.T) {
	m := NewManager(time.Millisecond)
	id := m.Open(RequestSummary{CommandText: "echo hi"}, "agent-a1")
	require.NoError(t, m.Resolve(id, DecisionAllowOnce, "operator-1", []string{RequiredScope}))
	time.Sleep(5 * time.Millisecond)

	result := m.SanitizeForForwarding(ForwardCheck{RunID: id, CommandText: "echo hi"})
	assert.True(t, result.OK)
	assert.False(t, result.Approved)
}
