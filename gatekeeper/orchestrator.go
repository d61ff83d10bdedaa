package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"cmdgate/allowlist"
	"cmdgate/approval"
	"cmdgate/events"
	"cmdgate/executor"
	"cmdgate/policy"
	"cmdgate/shellparse"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeUnavailable    = "UNAVAILABLE"

	detailMissingCommand     = "MISSING_COMMAND"
	detailRawCommandMismatch = "RAW_COMMAND_MISMATCH"
)

// ReplyError is spec.md 6's reply error shape.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Reply is spec.md 6's inbound reply: exactly one of PayloadJSON or Error
// is meaningful, discriminated by OK.
type Reply struct {
	OK          bool        `json:"ok"`
	PayloadJSON string      `json:"payloadJSON,omitempty"`
	Error       *ReplyError `json:"error,omitempty"`
}

// execPayload is what Reply.PayloadJSON unmarshals to on a successful run.
type execPayload struct {
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// DefaultMaxDuration is the orchestrator's own upper bound on execution
// (spec.md 5), independent of the executor's advisory TimeoutMs.
const DefaultMaxDuration = 30 * time.Minute

// Orchestrator wires the core components into spec.md 4.7's pipeline.
type Orchestrator struct {
	Allowlist     *allowlist.Store
	Approval      *approval.Manager
	Executor      executor.Runner
	Sink          events.Sink
	ResolvePolicy func(agentID string) policy.Policy

	Host                         string
	IsWindows                    bool
	HasScreenRecordingPermission func() bool
	MaxDuration                  time.Duration
}

func (o *Orchestrator) host() string {
	if o.Host != "" {
		return o.Host
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func (o *Orchestrator) maxDuration() time.Duration {
	if o.MaxDuration > 0 {
		return o.MaxDuration
	}
	return DefaultMaxDuration
}

func (o *Orchestrator) hasScreenRecordingPermission() bool {
	if o.HasScreenRecordingPermission == nil {
		return false
	}
	return o.HasScreenRecordingPermission()
}

// Handle implements spec.md 4.7's pipeline end to end. A panic inside the
// pipeline is recovered and turned into a companion-unavailable deny.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = o.deny(ctx, req, events.ReasonCompanionDown)
		}
	}()

	nc, err := Normalize(req)
	if err != nil {
		return invalidRequestReply(err)
	}

	approvalInput, earlyReply, ok := o.resolveApprovalInput(req, nc)
	if !ok {
		return earlyReply
	}

	pol := o.ResolvePolicy(req.AgentID)
	analysis := Analyze(nc, req.Cwd, req.Env, pol)
	matches, satisfied := o.Allowlist.EvaluateExec(analysis, req.AgentID, req.Cwd)
	if satisfied {
		satisfied = evaluateNestedCommands(o.Allowlist, nc, req.AgentID, req.Cwd, req.Env, pol)
	}

	decision := policy.FinalDecision(policy.FinalDecisionInput{
		Policy:                       pol,
		AnalysisOK:                   analysis.OK,
		AllowlistSatisfied:           satisfied,
		CmdText:                      nc.CmdText,
		NeedsScreenRecording:         req.NeedsScreenRecording,
		HasScreenRecordingPermission: o.hasScreenRecordingPermission(),
		IsWindows:                    o.IsWindows,
		OuterIsCmdExe:                shellparse.IsCmdExeInvocation(req.Command),
		Approval:                     approvalInput,
	})

	switch decision.Kind {
	case policy.KindDeny:
		return o.deny(ctx, req, events.DeniedReason(decision.Reason))
	case policy.KindAsk:
		return o.ask(ctx, req, nc)
	default:
		return o.allow(ctx, req, nc, pol, analysis, matches, approvalInput)
	}
}

func (o *Orchestrator) resolveApprovalInput(req Request, nc NormalizedCommand) (policy.ApprovalInput, Reply, bool) {
	if req.RunID == "" {
		return policy.ApprovalInput{}, Reply{}, true
	}

	result := o.Approval.SanitizeForForwarding(approval.ForwardCheck{RunID: req.RunID, CommandText: nc.CmdText})
	if !result.OK {
		return policy.ApprovalInput{}, Reply{
			OK: false,
			Error: &ReplyError{
				Code:    codeInvalidRequest,
				Message: result.Message,
				Details: result.DetailsCode,
			},
		}, false
	}

	return policy.ApprovalInput{Approved: result.Approved, ApprovalDecision: result.ApprovalDecision}, Reply{}, true
}

func (o *Orchestrator) deny(ctx context.Context, req Request, reason events.DeniedReason) Reply {
	_ = o.Sink.Emit(ctx, events.NewDenied(req.SessionKey, req.RunID, o.host(), req.Command, reason))
	return Reply{OK: false, Error: &ReplyError{Code: codeUnavailable, Message: "command denied: " + string(reason)}}
}

func (o *Orchestrator) ask(ctx context.Context, req Request, nc NormalizedCommand) Reply {
	id := o.Approval.Open(approval.RequestSummary{
		Host:        o.host(),
		CommandText: nc.CmdText,
		Cwd:         req.Cwd,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
	}, req.AgentID)
	_ = o.Sink.Emit(ctx, events.NewDenied(req.SessionKey, req.RunID, o.host(), req.Command, events.ReasonApprovalRequired))

	return Reply{OK: false, Error: &ReplyError{
		Code:    codeUnavailable,
		Message: "approval required",
		Details: id,
	}}
}

func (o *Orchestrator) allow(ctx context.Context, req Request, nc NormalizedCommand, pol policy.Policy, analysis shellparse.AnalyzedCommand, matches []allowlist.Entry, approvalInput policy.ApprovalInput) Reply {
	if err := policy.OnAllow(o.Allowlist, pol, approvalInput.ApprovalDecision, analysis.OK, analysis.Segments, matches, req.AgentID, nc.CmdText); err != nil {
		return Reply{OK: false, Error: &ReplyError{Code: codeUnavailable, Message: "companion unavailable: " + err.Error()}}
	}

	execArgv := selectExecArgv(o.IsWindows, req, nc, pol, analysis, approvalInput)

	runCtx, cancel := context.WithTimeout(ctx, o.maxDuration())
	defer cancel()

	result, err := o.Executor.Execute(runCtx, executor.Request{
		Argv:      execArgv,
		Cwd:       req.Cwd,
		Env:       req.Env,
		TimeoutMs: req.TimeoutMs,
	})

	if err != nil && errors.Is(err, context.Canceled) {
		_ = o.Sink.Emit(ctx, events.NewDenied(req.SessionKey, req.RunID, o.host(), req.Command, events.ReasonCancelled))
		return Reply{OK: false, Error: &ReplyError{Code: codeUnavailable, Message: "cancelled"}}
	}

	errMessage := result.ErrMessage
	if err != nil && errMessage == "" {
		errMessage = err.Error()
	}

	finished := events.NewFinished(req.SessionKey, req.RunID, nc.CmdText, result.ExitCode, result.TimedOut, result.Success, result.Stdout, result.Stderr, errMessage)
	_ = o.Sink.Emit(ctx, finished)

	payload, marshalErr := json.Marshal(execPayload{
		ExitCode: finished.ExitCode,
		TimedOut: finished.TimedOut,
		Success:  finished.Success,
		Stdout:   finished.Stdout,
		Stderr:   finished.Stderr,
		Error:    finished.Error,
	})
	if marshalErr != nil {
		return Reply{OK: false, Error: &ReplyError{Code: codeUnavailable, Message: "companion unavailable: " + marshalErr.Error()}}
	}

	return Reply{OK: true, PayloadJSON: string(payload)}
}

// selectExecArgv implements spec.md 4.7's execArgv selection: ordinarily
// the request's own argv, except on Windows under allowlist security,
// without a pre-existing approval, with a recognized shell command, a
// clean analysis, a satisfied allowlist, and exactly one segment — there
// the cmd.exe wrapper is stripped in favor of the single segment's own
// argv, reducing the surface handed to the executor.
func selectExecArgv(isWindows bool, req Request, nc NormalizedCommand, pol policy.Policy, analysis shellparse.AnalyzedCommand, approvalInput policy.ApprovalInput) []string {
	if !(isWindows && pol.Security == policy.SecurityAllowlist &&
		!approvalInput.Approved &&
		nc.ShellCommand != nil &&
		analysis.OK &&
		len(analysis.Segments) == 1) {
		return req.Command
	}
	seg := analysis.Segments[0]
	if len(seg.Argv) == 0 {
		return req.Command
	}
	return seg.Argv
}

func invalidRequestReply(err error) Reply {
	details := ""
	switch {
	case errors.Is(err, ErrMissingCommand):
		details = detailMissingCommand
	case errors.Is(err, ErrRawCommandMismatch):
		details = detailRawCommandMismatch
	}
	return Reply{OK: false, Error: &ReplyError{Code: codeInvalidRequest, Message: err.Error(), Details: details}}
}
