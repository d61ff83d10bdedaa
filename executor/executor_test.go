package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner() *LocalRunner {
	return NewLocalRunner(zerolog.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	r := newRunner()
	res, err := r.Execute(context.Background(), Request{Argv: []string{"echo", "hello"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := newRunner()
	res, err := r.Execute(context.Background(), Request{Argv: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteEmptyArgvErrors(t *testing.T) {
	r := newRunner()
	_, err := r.Execute(context.Background(), Request{})
	assert.Error(t, err)
}

func TestExecuteTimeoutMsEnforced(t *testing.T) {
	r := newRunner()
	res, err := r.Execute(context.Background(), Request{Argv: []string{"sleep", "5"}, TimeoutMs: 50})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
}

func TestExecuteParentCancellation(t *testing.T) {
	r := newRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Execute(ctx, Request{Argv: []string{"sleep", "5"}})
	assert.Error(t, err)
}

func TestExecuteEnvOverride(t *testing.T) {
	r := newRunner()
	res, err := r.Execute(context.Background(), Request{
		Argv: []string{"sh", "-c", "echo $FOO"},
		Env:  map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "bar")
}

func TestExecuteFiltersGatekeeperEnvPrefix(t *testing.T) {
	t.Setenv("CMDGATE_SECRET", "leaked")
	r := newRunner()
	res, err := r.Execute(context.Background(), Request{Argv: []string{"sh", "-c", "echo $CMDGATE_SECRET"}})
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "leaked")
}
