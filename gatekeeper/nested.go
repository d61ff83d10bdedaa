package gatekeeper

import (
	"cmdgate/allowlist"
	"cmdgate/policy"
	"cmdgate/shellparse"
)

// evaluateNestedCommands implements the supplemented nested-command check:
// a shell command that itself passes allowlist evaluation can still smuggle
// a disallowed program through a wrapper (sudo, env, xargs, find -exec, a
// nested "sh -c ...", command substitution). ExtractNestedCommands widens
// the set of command strings pulled out of the original shell command, and
// each one is parsed, resolved, and checked against the same allowlist the
// top-level segments were checked against. This mirrors the cmd.exe
// smuggling rule generalized to POSIX wrappers: satisfied never gets
// looser than what EvaluateExec already decided, only stricter.
func evaluateNestedCommands(store *allowlist.Store, nc NormalizedCommand, agentID, cwd string, env map[string]string, pol policy.Policy) bool {
	if nc.ShellCommand == nil {
		return true
	}

	for _, cmdText := range shellparse.ExtractNestedCommands(*nc.ShellCommand) {
		if cmdText == *nc.ShellCommand {
			continue
		}
		nested := shellparse.ParseShell(cmdText)
		resolveSegments(&nested, cwd, env, pol)
		if _, ok := store.EvaluateExec(nested, agentID, cwd); !ok {
			return false
		}
	}
	return true
}
