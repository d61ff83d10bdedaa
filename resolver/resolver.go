// Package resolver turns a program token from a parsed command segment into
// an absolute, symlink-canonicalized path, the way a shell's own PATH search
// would, and tags how it got there.
package resolver

import (
	"os"
	"path/filepath"
	"strings"
)

// Via records how a token was resolved to a path.
type Via string

const (
	ViaAbsolute      Via = "absolute"
	ViaRelativeToCwd Via = "relative-to-cwd"
	ViaPath          Via = "PATH"
	ViaSkillBin      Via = "skill-bin"
	ViaSafeBin       Via = "safe-bin"
	ViaUnresolved    Via = "unresolved"
)

// Resolution is the outcome of resolving one segment's program token.
type Resolution struct {
	ResolvedPath string
	ResolvedVia  Via
}

// Resolve implements spec.md 4.3's resolve(token, cwd, env, safeBinDirs,
// skillBins, autoAllowSkills). env supplies PATH (and everything else a
// child of this token would see); skillBins is a set of bare command names
// an agent's installed skills may invoke without an explicit allowlist
// entry.
func Resolve(token, cwd string, env map[string]string, safeBinDirs []string, skillBins map[string]bool, autoAllowSkills bool) Resolution {
	var path string
	var via Via

	switch {
	case looksAbsolute(token):
		path, via = canonicalize(token), ViaAbsolute
	case strings.HasPrefix(token, "~"):
		path, via = canonicalize(expandHome(token, env)), ViaAbsolute
	case strings.ContainsAny(token, "/\\"):
		path, via = canonicalize(joinCwd(cwd, token)), ViaRelativeToCwd
	default:
		found, ok := searchPath(token, env)
		if !ok {
			return Resolution{ResolvedPath: token, ResolvedVia: ViaUnresolved}
		}
		path, via = canonicalize(found), ViaPath
	}

	if path == "" {
		return Resolution{ResolvedPath: token, ResolvedVia: ViaUnresolved}
	}
	if !fileExists(path) {
		return Resolution{ResolvedPath: token, ResolvedVia: ViaUnresolved}
	}

	if inSafeBinDir(path, safeBinDirs) {
		return Resolution{ResolvedPath: path, ResolvedVia: ViaSafeBin}
	}
	if autoAllowSkills && skillBins[filepath.Base(token)] {
		return Resolution{ResolvedPath: path, ResolvedVia: ViaSkillBin}
	}

	return Resolution{ResolvedPath: path, ResolvedVia: via}
}

func looksAbsolute(token string) bool {
	if filepath.IsAbs(token) {
		return true
	}
	// Windows drive letter, e.g. "C:\foo.exe" or "C:/foo.exe".
	if len(token) >= 2 && token[1] == ':' && isDriveLetter(token[0]) {
		return true
	}
	return false
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func expandHome(token string, env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		home = env["USERPROFILE"]
	}
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	rest := strings.TrimPrefix(token, "~")
	return filepath.Join(home, rest)
}

func joinCwd(cwd, token string) string {
	if cwd == "" {
		return token
	}
	return filepath.Join(cwd, token)
}

// canonicalize resolves symlinks so the stored allowlist pattern is always
// the real path underneath. Falls back to the absolute form of the input
// when the path does not exist yet or symlink resolution fails, so a
// not-found token still reports a deterministic path for error messages.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return real
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func inSafeBinDir(path string, safeBinDirs []string) bool {
	dir := filepath.Dir(path)
	for _, safe := range safeBinDirs {
		if samePath(dir, safe) {
			return true
		}
	}
	return false
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return filepath.Clean(ca) == filepath.Clean(cb)
}

// searchPath walks env's PATH entries in order, returning the first
// existing, executable candidate for name.
func searchPath(name string, env map[string]string) (string, bool) {
	pathVal := env["PATH"]
	if pathVal == "" {
		pathVal = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(pathVal) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && isExecutable(info) {
			return candidate, true
		}
	}
	return "", false
}

func isExecutable(info os.FileInfo) bool {
	if info.Mode()&0111 != 0 {
		return true
	}
	// Windows has no execute bit; fall back to the conventional extensions.
	ext := strings.ToLower(filepath.Ext(info.Name()))
	return ext == ".exe" || ext == ".bat" || ext == ".cmd"
}
