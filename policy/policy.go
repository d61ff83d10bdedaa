// Package policy implements spec.md 4.6's Policy Evaluator: given a
// resolved per-agent Policy and the output of shell/argv analysis, it
// decides whether an invocation is allowed, must be asked about, or is
// denied outright. finalDecision is the single place that combines
// security mode, approval state, and the platform cmd.exe smuggling rule
// into one outcome.
package policy

import (
	"regexp"
	"strings"
	"sync"

	"cmdgate/allowlist"
	"cmdgate/approval"
	"cmdgate/shellparse"
)

// Security is spec.md 3's Policy.security.
type Security string

const (
	SecurityOff       Security = "off"
	SecurityAllowlist Security = "allowlist"
	SecurityDeny      Security = "deny"
)

// Ask is spec.md 3's Policy.ask.
type Ask string

const (
	AskNever     Ask = "never"
	AskUntrusted Ask = "untrusted"
	AskAlways    Ask = "always"
)

// Policy is spec.md 3's Policy, resolved per-agent.
type Policy struct {
	Security        Security
	Ask             Ask
	SafeBinDirs     []string
	SkillBins       map[string]bool
	AutoAllowSkills bool
}

// RequiresApproval implements spec.md 4.6's requiresApproval.
func RequiresApproval(ask Ask, security Security, analysisOk, allowlistSatisfied bool) bool {
	switch ask {
	case AskAlways:
		return true
	case AskNever:
		return false
	case AskUntrusted:
		if security == SecurityAllowlist && (!analysisOk || !allowlistSatisfied) {
			return true
		}
		if security == SecurityOff && !analysisOk {
			return true
		}
		return false
	default:
		return false
	}
}

// Kind is the outcome of FinalDecision.
type Kind string

const (
	KindAllow Kind = "allow"
	KindAsk   Kind = "ask"
	KindDeny  Kind = "deny"
)

// Decision is spec.md 4.6's {allow, ask, deny}, with the reason code that
// drives exec.denied's reason field (spec.md 6).
type Decision struct {
	Kind   Kind
	Reason string
}

// ApprovalInput is the approval-related slice of a request, already
// sanitized by approval.SanitizeForForwarding.
type ApprovalInput struct {
	Approved         bool
	ApprovalDecision approval.Decision
}

// FinalDecisionInput bundles everything finalDecision needs beyond the
// Policy itself.
type FinalDecisionInput struct {
	Policy Policy

	AnalysisOK         bool
	AllowlistSatisfied bool
	CmdText            string

	NeedsScreenRecording         bool
	HasScreenRecordingPermission bool

	IsWindows     bool
	OuterIsCmdExe bool

	Approval ApprovalInput
}

// FinalDecision implements spec.md 4.6's finalDecision, with the
// dangerous-pattern corpus (SPEC_FULL.md 12.2) evaluated as an extra,
// earlier layer: it can only turn an allow/ask into a deny, never loosen
// an existing denial, so it is compatible with decision monotonicity.
func FinalDecision(in FinalDecisionInput) Decision {
	if in.Policy.Security == SecurityDeny {
		return Decision{Kind: KindDeny, Reason: "security=deny"}
	}
	if in.NeedsScreenRecording && !in.HasScreenRecordingPermission {
		return Decision{Kind: KindDeny, Reason: "permission:screenRecording"}
	}
	if matched, _ := MatchDangerousPattern(in.CmdText); matched {
		return Decision{Kind: KindDeny, Reason: "dangerous-pattern"}
	}

	analysisOK := in.AnalysisOK
	if in.IsWindows && in.Policy.Security == SecurityAllowlist && in.OuterIsCmdExe && !in.Approval.Approved {
		analysisOK = false
	}

	if RequiresApproval(in.Policy.Ask, in.Policy.Security, analysisOK, in.AllowlistSatisfied) && !in.Approval.Approved {
		return Decision{Kind: KindAsk, Reason: "approval-required"}
	}
	if in.Policy.Security == SecurityAllowlist && !in.AllowlistSatisfied && !in.Approval.Approved {
		return Decision{Kind: KindDeny, Reason: "allowlist-miss"}
	}
	return Decision{Kind: KindAllow}
}

// OnAllow implements spec.md 4.6's onAllow side effects: on an
// allow-always decision under allowlist security with a clean analysis,
// every resolved segment path is inserted into the allowlist; regardless
// of decision, every matched entry from evaluation has its use recorded.
func OnAllow(store *allowlist.Store, policy Policy, approvalDecision approval.Decision, analysisOK bool, segments []shellparse.Segment, matches []allowlist.Entry, agentID, cmdText string) error {
	if approvalDecision == approval.DecisionAllowAlways && policy.Security == SecurityAllowlist && analysisOK {
		for _, seg := range segments {
			if seg.Resolution == nil || seg.Resolution.ResolvedPath == "" {
				continue
			}
			if err := store.AddEntry(agentID, seg.Resolution.ResolvedPath); err != nil {
				return err
			}
		}
	}
	for _, m := range matches {
		if err := store.RecordUse(m, cmdText); err != nil {
			return err
		}
	}
	return nil
}

// DangerPattern is a single entry of the default dangerous-pattern corpus.
type DangerPattern struct {
	Pattern string
	Message string
}

// defaultDangerPatterns is adapted from BaseCommandPermissions()'s Deny
// list: constructs that are never safe to run regardless of policy, kept
// narrow (not a general blocklist) so it stays a last-resort backstop
// rather than a substitute for the allowlist.
var defaultDangerPatterns = []DangerPattern{
	{Pattern: `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/\s*$`, Message: "Recursive force-delete of the filesystem root"},
	{Pattern: `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+~\s*$`, Message: "Recursive force-delete of the home directory"},
	{Pattern: `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+(/\*|~/\*)\s*$`, Message: "Recursive force-delete of every top-level entry"},
	{Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&?\s*\}\s*;\s*:`, Message: "Fork bomb"},
	{Pattern: `mkfs(\.\w+)?\s`, Message: "Filesystem creation destroys existing data on the target device"},
	{Pattern: `dd\s+if=.*of=/dev/(sd|nvme|hd|disk)`, Message: "Raw write to a block device"},
	{Pattern: `(fdisk|parted)\s+/dev/`, Message: "Partition table modification"},
	{Pattern: `>\s*/dev/(tcp|udp)/`, Message: "Shell redirection to a TCP/UDP endpoint enables network exfiltration"},
	{Pattern: `sed\s+.*[0-9]*e\s+.*`, Message: "GNU sed e command executes shell commands embedded in its script"},
	{Pattern: `(shutdown|reboot|poweroff|halt)\b`, Message: "Host power-state change"},
	{Pattern: `init\s+[06]\b`, Message: "Host power-state change"},
}

var (
	compiledOnce     sync.Once
	compiledPatterns []*regexp.Regexp
)

func compiled() []*regexp.Regexp {
	compiledOnce.Do(func() {
		compiledPatterns = make([]*regexp.Regexp, len(defaultDangerPatterns))
		for i, p := range defaultDangerPatterns {
			compiledPatterns[i] = regexp.MustCompile(p.Pattern)
		}
	})
	return compiledPatterns
}

// MatchDangerousPattern reports whether cmdText matches any entry of the
// default dangerous-pattern corpus, and if so, which message to surface.
func MatchDangerousPattern(cmdText string) (bool, string) {
	if strings.TrimSpace(cmdText) == "" {
		return false, ""
	}
	regexes := compiled()
	for i, re := range regexes {
		if re.MatchString(cmdText) {
			return true, defaultDangerPatterns[i].Message
		}
	}
	return false, ""
}
