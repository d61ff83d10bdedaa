// Package approval tracks outstanding and resolved operator approvals,
// keyed by request identity (runId), and is the sole bridge between a human
// "allow-once"/"allow-always" decision and a later invocation that claims
// to carry it. sanitizeForForwarding is the choke point that makes
// approval-channel command injection impossible: an approval for "echo hi"
// can never be reused to run "echo hi && rm -rf /".
package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Decision is spec.md 3's ApprovalRecord.decision.
type Decision string

const (
	DecisionPending     Decision = "pending"
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// RequiredScope is the scope a requester must hold to resolve an
// ApprovalRecord; sanitizeForForwarding refuses to forward an approval
// resolved by anyone lacking it.
const RequiredScope = "approve:commands"

// RequestSummary is the human-facing context recorded alongside an
// ApprovalRecord, per spec.md 3's "request summary (host, command text,
// cwd, agentId, sessionKey)".
type RequestSummary struct {
	Host        string
	CommandText string
	Cwd         string
	AgentID     string
	SessionKey  string
}

// Record is spec.md 3's ApprovalRecord.
type Record struct {
	ID      string
	Request RequestSummary

	CreatedAtMs int64
	ExpiresAtMs int64
	RequesterID string

	Decision Decision

	ResolvedAtMs   int64
	ResolvedBy     string
	resolvedScopes []string
}

// ErrAlreadyResolved is returned by Resolve when the record is no longer
// pending; transitions are monotonic and never revert.
var ErrAlreadyResolved = fmt.Errorf("approval: record already resolved or expired")

// ErrNotFound is returned when an id has no known record.
var ErrNotFound = fmt.Errorf("approval: no such record")

// Manager owns every ApprovalRecord for the process.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
}

// NewManager constructs a Manager whose records expire ttl after creation
// if left unresolved.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		ttl:     ttl,
	}
}

// Open implements spec.md 4.5's open(request, requester) -> id. If
// request.SessionKey, request.CommandText and request.AgentID already have a
// pending, unexpired record, that record's id is reused rather than opening a
// duplicate — an agent retrying while an operator is still deciding should
// not pile up separate approval prompts for the same command.
func (m *Manager) Open(request RequestSummary, requesterID string) string {
	now := nowMs()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.Decision == DecisionPending && r.ExpiresAtMs > now &&
			r.Request.SessionKey == request.SessionKey &&
			r.Request.CommandText == request.CommandText &&
			r.Request.AgentID == request.AgentID {
			return r.ID
		}
	}

	id := ksuid.New().String()
	m.records[id] = &Record{
		ID:          id,
		Request:     request,
		CreatedAtMs: now,
		ExpiresAtMs: now + m.ttl.Milliseconds(),
		RequesterID: requesterID,
		Decision:    DecisionPending,
	}
	return id
}

// Resolve implements spec.md 4.5's resolve(id, decision, resolver). It
// fails if the record is already resolved or expired — the state machine
// is pending -> resolved(allow-once|allow-always|deny) | expired, and a
// resolved record never reverts.
func (m *Manager) Resolve(id string, decision Decision, resolverID string, scopes []string) error {
	if decision == DecisionPending {
		return fmt.Errorf("approval: cannot resolve %s to the pending state", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Decision != DecisionPending {
		return ErrAlreadyResolved
	}
	if r.ExpiresAtMs <= nowMs() {
		r.Decision = DecisionDeny // lazily finalize as expired-denied
		return ErrAlreadyResolved
	}

	r.Decision = decision
	r.ResolvedAtMs = nowMs()
	r.ResolvedBy = resolverID
	r.resolvedScopes = append([]string(nil), scopes...)
	return nil
}

// Snapshot implements spec.md 4.5's snapshot(id) -> ApprovalRecord | null.
// A pending record whose TTL has lapsed is reported with Decision ==
// DecisionPending still (expiry is only finalized lazily, by Resolve, per
// spec.md 3's "destroyed lazily"), but ExpiresAtMs
// lets callers tell it apart from a genuinely fresh pending record.
func (m *Manager) Snapshot(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ListPending returns every record still awaiting a decision, for an
// operator-facing listing (cmd/gatekeeperctl), ordered by id (oldest first,
// since ksuid ids sort by creation time).
func (m *Manager) ListPending() []Record {
	now := nowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Decision == DecisionPending && r.ExpiresAtMs > now {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForwardCheck is the input to SanitizeForForwarding: the claims made by an
// invocation that says it carries a prior approval.
type ForwardCheck struct {
	RunID       string
	CommandText string
}

// ForwardResult is spec.md 4.5's { ok, params | message, details }.
type ForwardResult struct {
	OK               bool
	Approved         bool
	ApprovalDecision Decision
	Message          string
	DetailsCode      string
}

// SanitizeForForwarding implements spec.md 4.5's sanitizeForForwarding. The
// caller must already have enforced the RAW_COMMAND_MISMATCH invariant on
// the inbound request (that is the normalizer's job, spec.md 3); this
// function performs the remaining two checks: (b) an approval record with
// id == check.RunID exists, is resolved (not pending/expired), and was
// resolved by a holder of RequiredScope, and (c) the command text of the
// incoming request equals the command text recorded on that approval. Only
// when both hold does it report approved=true with the recorded decision —
// this is what prevents smuggling a different command onto an approved
// runId.
func (m *Manager) SanitizeForForwarding(check ForwardCheck) ForwardResult {
	if check.RunID == "" {
		return ForwardResult{OK: true, Approved: false}
	}

	m.mu.Lock()
	r, ok := m.records[check.RunID]
	var rec Record
	if ok {
		rec = *r
	}
	m.mu.Unlock()

	if !ok {
		return ForwardResult{
			OK:          false,
			Message:     "no approval record for runId",
			DetailsCode: "RAW_COMMAND_MISMATCH",
		}
	}
	if rec.Decision == DecisionPending || rec.Decision == DecisionDeny {
		return ForwardResult{OK: true, Approved: false}
	}
	if rec.ExpiresAtMs <= nowMs() {
		return ForwardResult{OK: true, Approved: false}
	}
	if !hasScope(rec.resolvedScopes, RequiredScope) {
		return ForwardResult{
			OK:          false,
			Message:     "approval was not resolved by a holder of the required scope",
			DetailsCode: "RAW_COMMAND_MISMATCH",
		}
	}
	if rec.Request.CommandText != check.CommandText {
		return ForwardResult{
			OK:          false,
			Message:     "command text does not match the approved request",
			DetailsCode: "RAW_COMMAND_MISMATCH",
		}
	}

	return ForwardResult{OK: true, Approved: true, ApprovalDecision: rec.Decision}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
