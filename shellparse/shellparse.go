// Package shellparse splits a shell command string into segments and
// operators, and recognizes the small set of shell-wrapper argv shapes
// (POSIX "sh -c ...", Windows "cmd.exe /c ...") whose embedded command text
// must be analyzed instead of (or in addition to) the literal argv.
//
// The tokenizer here is intentionally narrow. It is not a POSIX shell: it
// knows enough to split on operators and strip quoting, and it refuses
// (ok=false) anything it cannot account for, rather than guessing.
package shellparse

import (
	"strings"

	"cmdgate/resolver"
)

// OperatorKind identifies what kind of operator was found between two
// segments, or attached to one.
type OperatorKind string

const (
	OpPipe        OperatorKind = "pipe"
	OpAnd         OperatorKind = "and"
	OpOr          OperatorKind = "or"
	OpSemicolon   OperatorKind = "semicolon"
	OpRedirection OperatorKind = "redirection"
	OpSubshell    OperatorKind = "subshell"
	// OpBackground is not one of the six operator kinds spec.md's data model
	// names explicitly, but spec.md 4.2 lists "&" (background) among the
	// operators that split segments, and 4.4's default-forbidden set treats
	// background separately from ";". It needs its own tag so the allowlist
	// evaluator can tell "a && b" from "a &" by operator kind alone. See
	// DESIGN.md for this decision.
	OpBackground OperatorKind = "background"
)

// Operator is one operator occurrence found while scanning the command
// string, in document order.
type Operator struct {
	Kind   OperatorKind
	Raw    string // literal operator text, e.g. "&&", ">>", "("
	Target string // redirection target token, only set when Kind == OpRedirection

	// SegmentIndex is the index into AnalyzedCommand.Segments of the segment
	// this operator is attached to: the segment it follows for
	// pipe/and/or/semicolon/background, the segment it decorates for
	// redirection, or the (degenerate) segment it produced for subshell.
	SegmentIndex int
}

// Segment is one unit between pipe/logical operators: a resolved program
// plus its arguments. Resolution is filled in later by the resolver
// package; a freshly parsed Segment always has Resolution == nil.
type Segment struct {
	Argv      []string
	EnvPrefix []string // leading VAR=value assignments consumed ahead of Argv[0]
	Raw       string   // original substring of the command string for this segment

	Resolution *resolver.Resolution
}

// AnalyzedCommand is the result of parsing a shell command string or an
// argv into segments.
type AnalyzedCommand struct {
	OK        bool
	Segments  []Segment
	Operators []Operator
}

// shellBasenames are the interpreters whose "-c"/"-lc" invocation embeds a
// command string as a single argv element.
var shellBasenames = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true,
}

// ExtractShellCommandFromArgv implements spec.md 4.2's extractShellCommandFromArgv.
// It returns the embedded command string and true, or ("", false) if argv is
// not a recognized shell-wrapper invocation.
func ExtractShellCommandFromArgv(argv []string) (string, bool) {
	if len(argv) == 0 {
		return "", false
	}
	base := basename(argv[0])

	if shellBasenames[base] && len(argv) >= 3 {
		switch argv[1] {
		case "-c", "-lc":
			return argv[2], true
		}
	}

	lowerBase := strings.ToLower(base)
	if lowerBase == "cmd.exe" || lowerBase == "cmd" {
		for i := 1; i < len(argv); i++ {
			lower := strings.ToLower(argv[i])
			if lower == "/c" || lower == "/k" {
				if i+1 < len(argv) {
					return strings.Join(argv[i+1:], " "), true
				}
				return "", false
			}
		}
	}

	return "", false
}

// IsCmdExeInvocation reports whether argv[0]'s basename is cmd.exe/cmd
// (case-insensitive), the outer-invocation check spec.md 4.6 step 3 needs
// independent of whether a "/c" or "/k" flag was actually found.
func IsCmdExeInvocation(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	lowerBase := strings.ToLower(basename(argv[0]))
	return lowerBase == "cmd.exe" || lowerBase == "cmd"
}

func basename(token string) string {
	token = strings.TrimSuffix(token, "\"")
	token = strings.TrimPrefix(token, "\"")
	i := strings.LastIndexAny(token, "/\\")
	if i >= 0 {
		token = token[i+1:]
	}
	return token
}
