// Package events defines the gatekeeper's exec.denied / exec.finished
// event shapes (spec.md 6) and the sinks that publish them. The tagged-union
// encoding (an eventType discriminator plus a type-switch decoder) follows
// flow_event.FlowEvent; the eventType values themselves are spec.md's own
// literal strings, not the teacher's.
package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Type is the eventType discriminator.
type Type string

const (
	TypeDenied   Type = "exec.denied"
	TypeFinished Type = "exec.finished"
)

// Event is implemented by Denied and Finished.
type Event interface {
	GetEventType() Type
}

// DeniedReason enumerates spec.md 6's exec.denied reason values.
type DeniedReason string

const (
	ReasonSecurityDeny     DeniedReason = "security=deny"
	ReasonAllowlistMiss    DeniedReason = "allowlist-miss"
	ReasonApprovalRequired DeniedReason = "approval-required"
	ReasonScreenRecording  DeniedReason = "permission:screenRecording"
	ReasonCompanionDown    DeniedReason = "companion-unavailable"
	ReasonCancelled        DeniedReason = "cancelled"
	ReasonDangerousPattern DeniedReason = "dangerous-pattern"
)

// Denied is spec.md 6's exec.denied.
type Denied struct {
	EventType  Type         `json:"eventType"`
	SessionKey string       `json:"sessionKey"`
	RunID      string       `json:"runId"`
	Host       string       `json:"host"`
	Command    []string     `json:"command"`
	Reason     DeniedReason `json:"reason"`
}

func (e Denied) GetEventType() Type { return TypeDenied }

var _ Event = Denied{}

// NewDenied constructs a Denied event with its eventType populated.
func NewDenied(sessionKey, runID, host string, command []string, reason DeniedReason) Denied {
	return Denied{
		EventType:  TypeDenied,
		SessionKey: sessionKey,
		RunID:      runID,
		Host:       host,
		Command:    command,
		Reason:     reason,
	}
}

// Finished is spec.md 6's exec.finished.
type Finished struct {
	EventType  Type   `json:"eventType"`
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	CmdText    string `json:"cmdText"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Error      string `json:"error,omitempty"`
}

func (e Finished) GetEventType() Type { return TypeFinished }

var _ Event = Finished{}

// NewFinished constructs a Finished event, truncating stdout/stderr per
// spec.md 6 before populating the event.
func NewFinished(sessionKey, runID, cmdText string, exitCode int, timedOut, success bool, stdout, stderr, errMessage string) Finished {
	stdout, stderr = TruncateStreams(stdout, stderr, DefaultStreamCapBytes)
	return Finished{
		EventType:  TypeFinished,
		SessionKey: sessionKey,
		RunID:      runID,
		CmdText:    cmdText,
		ExitCode:   exitCode,
		TimedOut:   timedOut,
		Success:    success,
		Stdout:     stdout,
		Stderr:     stderr,
		Error:      errMessage,
	}
}

// DefaultStreamCapBytes is the implementation-defined cap spec.md 6 leaves
// to the implementation.
const DefaultStreamCapBytes = 64 * 1024

const truncatedSuffix = "... (truncated)"

// TruncateStreams caps stdout and stderr independently at capBytes, then
// appends the single literal truncation notice to whichever stream is
// non-empty, stderr preferred, per spec.md 6.
func TruncateStreams(stdout, stderr string, capBytes int) (string, string) {
	stdoutTruncated := len(stdout) > capBytes
	stderrTruncated := len(stderr) > capBytes

	if stdoutTruncated {
		stdout = stdout[:capBytes]
	}
	if stderrTruncated {
		stderr = stderr[:capBytes]
	}

	if stdoutTruncated || stderrTruncated {
		if stderr != "" {
			stderr += truncatedSuffix
		} else {
			stdout += truncatedSuffix
		}
	}

	return stdout, stderr
}

// Sink is the event publication interface the orchestrator depends on.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Unmarshal decodes a JSON event by its eventType discriminator, mirroring
// flow_event.UnmarshalFlowEvent's decode-by-tag shape.
func Unmarshal(data []byte) (Event, error) {
	var tagged struct {
		EventType Type `json:"eventType"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, err
	}

	switch tagged.EventType {
	case TypeDenied:
		var e Denied
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeFinished:
		var e Finished
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("events: unknown eventType %q", tagged.EventType)
	}
}
