package shellparse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
)

// ExtractNestedCommands implements the supplemented nested-command
// extraction: it walks a bash command string with tree-sitter and returns
// every command it can find, including ones nested inside wrapper
// invocations (sudo, env, xargs, find -exec, ssh, timeout, nohup, a nested
// "sh -c ...", command substitution). The caller is expected to check the
// *resolved* program of each returned string against the allowlist in
// addition to the literal top-level command, so a wrapper cannot smuggle a
// disallowed program past a pattern match on the wrapper itself.
//
// This never changes what argv is actually executed; it only widens what
// gets evaluated.
func ExtractNestedCommands(script string) []string {
	parser := sitter.NewParser()
	parser.SetLanguage(bash.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(script))
	if err != nil || tree == nil {
		return nil
	}

	var out []string
	walk(tree.RootNode(), []byte(script), &out)
	return out
}

func walk(node *sitter.Node, src []byte, out *[]string) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "command":
		text := strings.TrimSpace(node.Content(src))
		if text != "" {
			*out = append(*out, text)
			expandWrapper(text, out)
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			findSubstitutions(node.Child(i), src, out)
		}
		return

	case "redirected_statement":
		text := strings.TrimSpace(node.Content(src))
		if text != "" {
			*out = append(*out, text)
			expandWrapper(text, out)
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			findSubstitutions(node.Child(i), src, out)
		}
		return

	case "subshell", "compound_statement", "command_substitution":
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i), src, out)
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walk(node.Child(i), src, out)
	}
}

func findSubstitutions(node *sitter.Node, src []byte, out *[]string) {
	if node == nil {
		return
	}
	if node.Type() == "command_substitution" {
		walk(node, src, out)
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		findSubstitutions(node.Child(i), src, out)
	}
}

// wrapperFlagsWithArg enumerates, per wrapper command, the flags that
// consume a following positional argument (so the scan can skip over them
// to find where the wrapped command begins).
var wrapperFlagsWithArg = map[string]map[string]bool{
	"timeout": {"-k": true, "--kill-after": true, "-s": true, "--signal": true},
	"nice":    {"-n": true},
	"ssh":     {"-p": true, "-i": true, "-l": true, "-o": true, "-F": true, "-J": true, "-w": true},
}

func expandWrapper(cmdText string, out *[]string) {
	parts := splitRespectingQuotes(cmdText)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "sh", "bash", "dash", "zsh":
		appendDashC(parts, out)
	case "eval":
		if len(parts) > 1 {
			inner := unquote(strings.Join(parts[1:], " "))
			*out = append(*out, ExtractNestedCommands(inner)...)
		}
	case "exec":
		appendTail(parts, 1, out)
	case "sudo", "doas", "nohup", "command", "builtin", "time":
		appendAfterFlags(parts, nil, out)
	case "env":
		appendAfterEnvAssignments(parts, out)
	case "xargs":
		appendAfterFlags(parts, wrapperXargsFlags, out)
	case "timeout":
		appendAfterPositional(parts, wrapperFlagsWithArg["timeout"], 1, out)
	case "nice":
		appendAfterFlags(parts, wrapperFlagsWithArg["nice"], out)
	case "ssh":
		appendAfterPositional(parts, wrapperFlagsWithArg["ssh"], 1, out)
	case "find":
		appendFindExec(parts, out)
	}
}

var wrapperXargsFlags = map[string]bool{
	"-I": true, "-n": true, "-P": true, "-L": true, "-s": true, "-a": true, "-E": true, "-d": true,
}

func appendDashC(parts []string, out *[]string) {
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "-c" || parts[i] == "-lc" {
			inner := unquote(parts[i+1])
			*out = append(*out, ExtractNestedCommands(inner)...)
			return
		}
	}
}

func appendTail(parts []string, from int, out *[]string) {
	if from >= len(parts) {
		return
	}
	inner := strings.Join(parts[from:], " ")
	if inner != "" {
		*out = append(*out, inner)
	}
}

func appendAfterFlags(parts []string, flagsWithArg map[string]bool, out *[]string) {
	i := 1
	for i < len(parts) {
		p := parts[i]
		if strings.HasPrefix(p, "-") {
			if flagsWithArg[p] && i+1 < len(parts) {
				i += 2
			} else {
				i++
			}
			continue
		}
		break
	}
	appendTail(parts, i, out)
}

func appendAfterEnvAssignments(parts []string, out *[]string) {
	i := 1
	for i < len(parts) {
		p := parts[i]
		if strings.Contains(p, "=") && !strings.HasPrefix(p, "-") {
			i++
			continue
		}
		if strings.HasPrefix(p, "-") {
			i++
			continue
		}
		break
	}
	appendTail(parts, i, out)
}

func appendAfterPositional(parts []string, flagsWithArg map[string]bool, numPositional int, out *[]string) {
	i := 1
	seen := 0
	for i < len(parts) {
		p := parts[i]
		if strings.HasPrefix(p, "-") {
			if flagsWithArg[p] && i+1 < len(parts) {
				i += 2
			} else {
				i++
			}
			continue
		}
		seen++
		i++
		if seen >= numPositional {
			break
		}
	}
	appendTail(parts, i, out)
}

func appendFindExec(parts []string, out *[]string) {
	for i, p := range parts {
		if p != "-exec" && p != "-execdir" && p != "-ok" && p != "-okdir" {
			continue
		}
		var clause []string
		for j := i + 1; j < len(parts); j++ {
			if parts[j] == ";" || parts[j] == "\\;" || parts[j] == "+" {
				break
			}
			clause = append(clause, parts[j])
		}
		if len(clause) > 0 {
			*out = append(*out, strings.Join(clause, " "))
		}
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func splitRespectingQuotes(s string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\' && !inSingle:
			escaped = true
			cur.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case c == ' ' && !inSingle && !inDouble:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
