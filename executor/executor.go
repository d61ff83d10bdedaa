// Package executor is the orchestrator's external collaborator for
// actually running an allowed command. Runner is the capability interface
// the orchestrator depends on; LocalRunner is the only implementation
// shipped here, running the child as a local subprocess the way
// coding/unix's RunCommandActivity does, combined with env/environment's
// heartbeat-while-waiting select loop so a hung child can be noticed and
// cancellation is never silently dropped.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Request is what the orchestrator hands the executor for an allowed
// invocation: the final execArgv (spec.md 4.7), not the raw request argv.
type Request struct {
	Argv      []string
	Cwd       string
	Env       map[string]string
	TimeoutMs int64
}

// Result is spec.md 6's exec.finished payload shape, minus the fields the
// orchestrator itself fills in (sessionKey, runId, cmdText).
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	Success    bool
	ErrMessage string
}

// Runner is the capability interface the orchestrator depends on.
type Runner interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// envPrefixFilter strips this gatekeeper's own configuration variables out
// of the child's inherited environment, mirroring the teacher's SIDE_
// prefix filter in RunCommandActivity so the child never observes
// gatekeeper-internal state through its environment.
const envPrefixFilter = "CMDGATE_"

// LocalRunner executes argv as a local subprocess.
type LocalRunner struct {
	Log            zerolog.Logger
	HeartbeatEvery time.Duration
}

// NewLocalRunner constructs a LocalRunner with the teacher's 5-second
// heartbeat cadence.
func NewLocalRunner(log zerolog.Logger) *LocalRunner {
	return &LocalRunner{Log: log, HeartbeatEvery: 5 * time.Second}
}

// Execute runs req.Argv[0] with req.Argv[1:] as arguments. req.TimeoutMs,
// if positive, is an advisory deadline enforced here in addition to
// whatever deadline ctx already carries; the orchestrator's own upper
// bound (spec.md 5, default 30 min) is enforced by the ctx it passes in,
// not by this function.
func (r *LocalRunner) Execute(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 {
		return Result{}, errors.New("executor: argv must be non-empty")
	}

	runCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = buildEnv(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	type runResult struct{ err error }
	resultCh := make(chan runResult, 1)
	go func() {
		resultCh <- runResult{err: cmd.Run()}
	}()

	heartbeat := r.HeartbeatEvery
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case res := <-resultCh:
			return finalize(&stdout, &stderr, res.err, errors.Is(runCtx.Err(), context.DeadlineExceeded))
		case <-ticker.C:
			r.Log.Debug().Strs("argv", req.Argv).Msg("executor: command still running")
		case <-ctx.Done():
			<-resultCh // exec.CommandContext already killed the process; drain.
			timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: timedOut}, ctx.Err()
		}
	}
}

func finalize(stdout, stderr *bytes.Buffer, err error, timedOut bool) (Result, error) {
	if err == nil {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, Success: true}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitErr.ExitCode(),
			TimedOut: timedOut,
			Success:  false,
		}, nil
	}

	if timedOut {
		return Result{
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			ExitCode:   -1,
			TimedOut:   true,
			Success:    false,
			ErrMessage: err.Error(),
		}, nil
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ErrMessage: err.Error()}, err
}

func buildEnv(overrides map[string]string) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		if strings.HasPrefix(kv, envPrefixFilter) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
