package shellparse

import (
	"regexp"
	"strings"
)

var envAssignRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

const globMeta = "*?[]"

// ParseShell implements spec.md 4.2's parseShell(string) -> AnalyzedCommand.
// It is a single left-to-right scan: quote state, escape handling, operator
// recognition and fatal-construct detection all happen in the same pass, the
// way a real shell lexer works, rather than as separate split-then-tokenize
// stages.
func ParseShell(s string) AnalyzedCommand {
	p := &parser{src: s, n: len(s)}
	p.run()
	return AnalyzedCommand{OK: p.ok, Segments: p.segments, Operators: p.operators}
}

type parser struct {
	src string
	n   int
	i   int

	inSingle, inDouble bool

	cur        strings.Builder
	curHasGlob bool
	wordOpen   bool
	words      []string
	wordGlobs  []bool
	segStart   int

	redirPendingIdx int // index into operators of a redirection awaiting its target word, or -1

	segments  []Segment
	operators []Operator
	ok        bool
}

func (p *parser) run() {
	p.ok = true
	p.redirPendingIdx = -1
	p.segStart = 0

	for p.i < p.n {
		c := p.src[p.i]

		if p.inSingle {
			if c == '\'' {
				p.inSingle = false
				p.i++
				continue
			}
			p.appendByte(c, false)
			p.i++
			continue
		}

		if p.inDouble {
			if c == '"' {
				p.inDouble = false
				p.i++
				continue
			}
			if c == '\\' && p.i+1 < p.n && isDoubleQuoteEscapable(p.src[p.i+1]) {
				p.appendByte(p.src[p.i+1], false)
				p.i += 2
				continue
			}
			if c == '$' && p.i+1 < p.n && (p.src[p.i+1] == '(' || p.src[p.i+1] == '{') {
				p.ok = false
				p.i += 2
				continue
			}
			if c == '`' {
				p.ok = false
				p.i++
				continue
			}
			p.appendByte(c, false)
			p.i++
			continue
		}

		// Outside any quoting.
		switch {
		case c == '\'':
			p.inSingle = true
			p.i++
			continue
		case c == '"':
			p.inDouble = true
			p.i++
			continue
		case c == '\\':
			if p.i+1 < p.n {
				p.appendByte(p.src[p.i+1], false)
				p.i += 2
			} else {
				p.appendByte(c, false)
				p.i++
			}
			continue
		case c == ' ' || c == '\t':
			p.flushWord()
			p.i++
			continue
		case c == '`':
			p.ok = false
			p.i++
			continue
		case c == '$' && p.i+1 < p.n && (p.src[p.i+1] == '(' || p.src[p.i+1] == '{'):
			p.ok = false
			p.i += 2
			continue
		case (c == '<' || c == '>') && p.i+1 < p.n && p.src[p.i+1] == '(':
			// Process substitution, e.g. <(cmd) or >(cmd).
			p.ok = false
			p.i += 2
			continue
		case c == '(' && !p.wordOpen && len(p.words) == 0:
			p.consumeSubshell()
			continue
		case isOperatorStart(c):
			if p.tryConsumeOperator() {
				continue
			}
			p.appendByte(c, false)
			p.i++
			continue
		default:
			p.appendByte(c, globIsMeta(c))
			p.i++
			continue
		}
	}

	if p.inSingle || p.inDouble {
		p.ok = false
	}

	p.finishSegment(p.n)
}

func isDoubleQuoteEscapable(c byte) bool {
	return c == '"' || c == '\\' || c == '$' || c == '`'
}

func isOperatorStart(c byte) bool {
	return c == '|' || c == '&' || c == ';' || c == '>' || c == '<'
}

func globIsMeta(c byte) bool {
	return strings.IndexByte(globMeta, c) >= 0
}

func (p *parser) appendByte(c byte, glob bool) {
	p.cur.WriteByte(c)
	p.wordOpen = true
	if glob {
		p.curHasGlob = true
	}
}

func (p *parser) flushWord() {
	if !p.wordOpen {
		return
	}
	word := p.cur.String()
	hadGlob := p.curHasGlob
	p.cur.Reset()
	p.wordOpen = false
	p.curHasGlob = false

	if p.redirPendingIdx >= 0 {
		p.operators[p.redirPendingIdx].Target = word
		p.redirPendingIdx = -1
		return
	}
	p.words = append(p.words, word)
	p.wordGlobs = append(p.wordGlobs, hadGlob)
}

// tryConsumeOperator recognizes an operator lexeme starting at p.i (outside
// quotes) and, if one matches, records it and advances past it. It returns
// false if the byte at p.i is not actually the start of a recognized
// operator (the caller then treats it as an ordinary word character, e.g. a
// lone ">" inside an otherwise unremarkable argument is not expected, but we
// stay permissive rather than fatal).
func (p *parser) tryConsumeOperator() bool {
	s, i, n := p.src, p.i, p.n

	switch s[i] {
	case '|':
		if i+1 < n && s[i+1] == '|' {
			p.splitSegment(OpOr, "||")
			p.i += 2
			return true
		}
		p.splitSegment(OpPipe, "|")
		p.i++
		return true

	case ';':
		p.splitSegment(OpSemicolon, ";")
		p.i++
		return true

	case '&':
		if i+1 < n && s[i+1] == '&' {
			p.splitSegment(OpAnd, "&&")
			p.i += 2
			return true
		}
		if i+1 < n && s[i+1] == '>' {
			if i+2 < n && s[i+2] == '>' {
				p.addRedirection("&>>")
				p.i += 3
				return true
			}
			p.addRedirection("&>")
			p.i += 2
			return true
		}
		p.splitSegment(OpBackground, "&")
		p.i++
		return true

	case '>':
		raw := p.takeFdPrefix() + ">"
		if i+1 < n && s[i+1] == '>' {
			raw += ">"
			p.addRedirection(raw)
			p.i += 2
			return true
		}
		p.addRedirection(raw)
		p.i++
		return true

	case '<':
		raw := p.takeFdPrefix() + "<"
		if i+1 < n && s[i+1] == '<' {
			raw += "<"
			p.addRedirection(raw)
			p.i += 2
			return true
		}
		p.addRedirection(raw)
		p.i++
		return true
	}
	return false
}

// takeFdPrefix consumes an in-progress all-digit word (e.g. the "2" of
// "2>out.txt") so it becomes part of the redirection operator text instead
// of a standalone argv word.
func (p *parser) takeFdPrefix() string {
	if !p.wordOpen {
		return ""
	}
	digits := p.cur.String()
	for _, r := range digits {
		if r < '0' || r > '9' {
			return ""
		}
	}
	p.cur.Reset()
	p.wordOpen = false
	p.curHasGlob = false
	return digits
}

func (p *parser) addRedirection(raw string) {
	p.flushWord()
	p.operators = append(p.operators, Operator{Kind: OpRedirection, Raw: raw, SegmentIndex: len(p.segments)})
	p.redirPendingIdx = len(p.operators) - 1
}

// splitSegment closes out the current segment at a pipe/logical/sequencing
// operator and starts a new one after it.
func (p *parser) splitSegment(kind OperatorKind, raw string) {
	boundary := p.i
	p.finishSegment(boundary)
	p.operators = append(p.operators, Operator{Kind: kind, Raw: raw, SegmentIndex: len(p.segments) - 1})
	p.segStart = boundary + len(raw)
}

// consumeSubshell handles a bare "(" found in command position. The
// contents are not parsed into argv; the whole parenthesized group becomes
// a fatal, unusable segment, recorded only for audit (see DESIGN.md for why
// subshells are treated as analysis-fatal rather than recursively parsed).
func (p *parser) consumeSubshell() {
	start := p.i
	depth := 0
	i := p.i
	inSingle, inDouble := false, false
	for i < p.n {
		c := p.src[i]
		if inSingle {
			if c == '\'' {
				inSingle = false
			}
			i++
			continue
		}
		if inDouble {
			if c == '"' {
				inDouble = false
			} else if c == '\\' {
				i++
			}
			i++
			continue
		}
		switch c {
		case '\'':
			inSingle = true
		case '"':
			inDouble = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				i++
				goto done
			}
		}
		i++
	}
done:
	raw := p.src[start:i]
	p.segments = append(p.segments, Segment{Raw: strings.TrimSpace(raw)})
	p.operators = append(p.operators, Operator{Kind: OpSubshell, Raw: raw, SegmentIndex: len(p.segments) - 1})
	p.ok = false
	p.i = i
	p.segStart = i
}

// finishSegment closes the segment accumulated in p.words, applying
// env-prefix stripping and glob-as-program detection, and appends it (even
// when empty, so a "a && && b"-style double operator is visible as a
// zero-argv segment rather than silently disappearing).
func (p *parser) finishSegment(boundary int) {
	p.flushWord()
	raw := strings.TrimSpace(p.src[p.segStart:boundary])
	words, globs := p.words, p.wordGlobs
	p.words, p.wordGlobs = nil, nil

	idx := 0
	for idx < len(words) && envAssignRe.MatchString(words[idx]) {
		idx++
	}
	envPrefix := words[:idx]
	argv := words[idx:]

	if len(argv) == 0 {
		// Either truly empty (double operator) or assignment-only (no
		// program follows the env prefix): both leave nothing to resolve.
		p.ok = false
	} else if globs[idx] {
		// The program token itself is an unquoted glob; which program runs
		// depends on filesystem state at exec time, so analysis cannot be
		// trusted.
		p.ok = false
	}

	p.segments = append(p.segments, Segment{
		Argv:      argv,
		EnvPrefix: envPrefix,
		Raw:       raw,
	})
}
