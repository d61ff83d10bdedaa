package gatekeeper

import (
	"cmdgate/policy"
	"cmdgate/quoting"
	"cmdgate/resolver"
	"cmdgate/shellparse"
)

// Analyze implements spec.md 4.7 step 3: decompose the normalized command
// (via the shell parser when a shellCommand was recognized, or as a single
// argv segment otherwise) and resolve every segment's program token.
func Analyze(nc NormalizedCommand, cwd string, env map[string]string, pol policy.Policy) shellparse.AnalyzedCommand {
	var analysis shellparse.AnalyzedCommand
	if nc.ShellCommand != nil {
		analysis = shellparse.ParseShell(*nc.ShellCommand)
	} else {
		analysis = argvAnalysis(nc.Argv)
	}
	resolveSegments(&analysis, cwd, env, pol)
	return analysis
}

func argvAnalysis(argv []string) shellparse.AnalyzedCommand {
	if len(argv) == 0 {
		return shellparse.AnalyzedCommand{OK: false}
	}
	return shellparse.AnalyzedCommand{
		OK:       true,
		Segments: []shellparse.Segment{{Argv: argv, Raw: quoting.Format(argv)}},
	}
}

func resolveSegments(analysis *shellparse.AnalyzedCommand, cwd string, env map[string]string, pol policy.Policy) {
	for i := range analysis.Segments {
		seg := &analysis.Segments[i]
		if len(seg.Argv) == 0 {
			continue
		}
		res := resolver.Resolve(seg.Argv[0], cwd, env, pol.SafeBinDirs, pol.SkillBins, pol.AutoAllowSkills)
		seg.Resolution = &res
	}
}
