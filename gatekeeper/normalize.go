// Package gatekeeper implements the Run Orchestrator (spec.md 4.7): it
// normalizes a Request, runs it through the shell/argv analyzer, evaluates
// the allowlist and policy, and dispatches to the executor, emitting
// exactly one exec.* event per accepted request.
package gatekeeper

import (
	"errors"

	"cmdgate/quoting"
	"cmdgate/shellparse"
)

// Request is spec.md 6's inbound request.
type Request struct {
	Command              []string          `json:"command"`
	RawCommand           string            `json:"rawCommand,omitempty"`
	Cwd                  string            `json:"cwd,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	TimeoutMs            int64             `json:"timeoutMs,omitempty"`
	NeedsScreenRecording bool              `json:"needsScreenRecording,omitempty"`
	AgentID              string            `json:"agentId,omitempty"`
	SessionKey           string            `json:"sessionKey,omitempty"`
	Approved             bool              `json:"approved,omitempty"`
	ApprovalDecision     string            `json:"approvalDecision,omitempty"`
	RunID                string            `json:"runId,omitempty"`
}

// NormalizedCommand is spec.md 3's (argv, shellCommand?, cmdText) triple.
type NormalizedCommand struct {
	Argv         []string
	ShellCommand *string
	CmdText      string
}

// ErrMissingCommand is returned when Request.Command is absent or empty.
var ErrMissingCommand = errors.New("gatekeeper: command must be present and non-empty")

// ErrRawCommandMismatch implements spec.md 3's RAW_COMMAND_MISMATCH
// invariant on the Request itself: rawCommand, when present, must equal
// either the shell-quoted rendering of argv or the embedded shell command
// of a recognized shell-wrapper invocation.
var ErrRawCommandMismatch = errors.New("gatekeeper: rawCommand does not match argv")

// Normalize implements spec.md 4.7 step 1 and spec.md 3's NormalizedCommand
// construction.
func Normalize(req Request) (NormalizedCommand, error) {
	if len(req.Command) == 0 {
		return NormalizedCommand{}, ErrMissingCommand
	}

	shellCommand, hasShell := shellparse.ExtractShellCommandFromArgv(req.Command)
	direct := quoting.Format(req.Command)

	if req.RawCommand != "" {
		matchesDirect := req.RawCommand == direct
		matchesShell := hasShell && req.RawCommand == shellCommand
		if !matchesDirect && !matchesShell {
			return NormalizedCommand{}, ErrRawCommandMismatch
		}
	}

	nc := NormalizedCommand{Argv: req.Command, CmdText: direct}
	if hasShell {
		sc := shellCommand
		nc.ShellCommand = &sc
		nc.CmdText = shellCommand
	}
	return nc, nil
}
