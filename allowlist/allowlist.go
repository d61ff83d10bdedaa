// Package allowlist persists, matches, and updates per-agent allowlist
// entries keyed on a segment's resolved program path.
package allowlist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"cmdgate/resolver"
	"cmdgate/shellparse"
)

// DefaultPath returns the default location of the allowlist file, honoring
// CMDGATE_ALLOWLIST_PATH before falling back to the XDG config directory
// alongside the daemon's own config file.
func DefaultPath() string {
	if path := os.Getenv("CMDGATE_ALLOWLIST_PATH"); path != "" {
		return path
	}
	dir := os.Getenv("CMDGATE_CONFIG_DIR")
	if dir == "" {
		dir = filepath.Join(xdg.ConfigHome, "cmdgate")
	}
	return filepath.Join(dir, "allowlist.json")
}

// Entry is spec.md 3's AllowlistEntry. AgentID == "" means a global entry
// (spec.md's agentId: string | null, with null represented as "").
type Entry struct {
	Pattern      string `json:"pattern"`
	AgentID      string `json:"agentId,omitempty"`
	UseCount     int    `json:"useCount"`
	LastUsedAtMs int64  `json:"lastUsedAtMs"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	LastCmdText  string `json:"lastCmdText,omitempty"`
}

type key struct {
	pattern string
	agentID string
}

// Store owns every AllowlistEntry and the file they are persisted to.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex // guards entries; held only for in-memory mutation, never during disk I/O
	entries map[key]*Entry

	writeMu sync.Mutex // serializes the atomic-replace writes independently of mu

	skipNextReload bool
	watcher        *fsnotify.Watcher
}

// Open loads entries from path if it exists, or starts empty otherwise.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		log:     log.With().Str("component", "allowlist").Logger(),
		entries: make(map[key]*Entry),
	}
	if err := s.reloadFromDisk(); err != nil {
		return nil, fmt.Errorf("allowlist: initial load of %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a defensive copy of every entry, for inspection or
// external listing (gatekeeperctl, diagnostics).
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// AddEntry implements spec.md 4.4's addEntry(agentId, pattern): idempotent
// insertion. pattern must already be an absolute, resolved path.
func (s *Store) AddEntry(agentID, pattern string) error {
	if !filepath.IsAbs(pattern) {
		return fmt.Errorf("allowlist: pattern %q is not an absolute path", pattern)
	}
	k := key{pattern: pattern, agentID: agentID}

	s.mu.Lock()
	if _, exists := s.entries[k]; exists {
		s.mu.Unlock()
		return nil
	}
	now := nowMs()
	s.entries[k] = &Entry{
		Pattern:     pattern,
		AgentID:     agentID,
		CreatedAtMs: now,
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snap)
}

// RecordUse implements spec.md 4.4's recordUse(entry, cmdText, resolvedPath):
// increments useCount and updates lastUsedAtMs/lastCmdText for the entry
// matching match's key, then writes through to disk.
func (s *Store) RecordUse(match Entry, cmdText string) error {
	k := key{pattern: match.Pattern, agentID: match.AgentID}

	s.mu.Lock()
	e, exists := s.entries[k]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("allowlist: no entry for pattern %q agentId %q", match.Pattern, match.AgentID)
	}
	e.UseCount++
	e.LastUsedAtMs = nowMs()
	e.LastCmdText = cmdText
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snap)
}

func (s *Store) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// EvaluateExec implements spec.md 4.4's evaluateExec(analysis, allowlist,
// policy). cwd is needed to judge the default-forbidden redirection rule
// ("redirections to paths outside cwd subtree unless safe-bin"); the
// safe-bin exemption is read from each segment's Resolution, which must
// already be populated by the resolver package.
func (s *Store) EvaluateExec(analysis shellparse.AnalyzedCommand, agentID, cwd string) ([]Entry, bool) {
	satisfied := analysis.OK

	forbidden := make([]bool, len(analysis.Segments))
	for _, op := range analysis.Operators {
		if op.SegmentIndex < 0 || op.SegmentIndex >= len(forbidden) {
			continue
		}
		switch op.Kind {
		case shellparse.OpBackground, shellparse.OpSubshell:
			forbidden[op.SegmentIndex] = true
		case shellparse.OpRedirection:
			seg := analysis.Segments[op.SegmentIndex]
			safeBin := seg.Resolution != nil && seg.Resolution.ResolvedVia == resolver.ViaSafeBin
			if !safeBin && !withinCwdSubtree(op.Target, cwd) {
				forbidden[op.SegmentIndex] = true
			}
		}
	}

	var matches []Entry
	for idx, seg := range analysis.Segments {
		if forbidden[idx] {
			satisfied = false
		}
		segMatches, ok := s.evaluateSegment(seg, agentID)
		matches = append(matches, segMatches...)
		if !ok {
			satisfied = false
		}
	}
	return matches, satisfied
}

// EvaluateShell implements spec.md 4.4's evaluateShell(command, allowlist,
// policy): parse then evaluate. ParseShell never populates
// Segment.Resolution, so every segment parsed here is reported unmatched and
// satisfied is always false; matching a shell command needs its segments
// resolved first and then passed to EvaluateExec.
func (s *Store) EvaluateShell(command, agentID, cwd string) (shellparse.AnalyzedCommand, []Entry, bool) {
	analysis := shellparse.ParseShell(command)
	matches, satisfied := s.EvaluateExec(analysis, agentID, cwd)
	return analysis, matches, satisfied
}

func (s *Store) evaluateSegment(seg shellparse.Segment, agentID string) ([]Entry, bool) {
	if seg.Resolution == nil {
		return nil, false
	}

	switch seg.Resolution.ResolvedVia {
	case resolver.ViaSafeBin, resolver.ViaSkillBin:
		if !hasOperatorMetachar(seg.Raw) {
			return nil, true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Entry
	if e, ok := s.entries[key{pattern: seg.Resolution.ResolvedPath, agentID: ""}]; ok {
		matches = append(matches, *e)
	}
	if agentID != "" {
		if e, ok := s.entries[key{pattern: seg.Resolution.ResolvedPath, agentID: agentID}]; ok {
			matches = append(matches, *e)
		}
	}
	return matches, len(matches) > 0
}

// hasOperatorMetachar re-checks a segment's raw text for shell operator
// punctuation, per spec.md 4.4's "re-checked against the raw segment"
// clause governing the safe-bin/skill-bin auto-satisfy shortcut. Reusing
// ParseShell keeps this consistent with the parser's own idea of what an
// operator is, rather than duplicating a character class here.
func hasOperatorMetachar(raw string) bool {
	if raw == "" {
		return false
	}
	reparsed := shellparse.ParseShell(raw)
	return !reparsed.OK || len(reparsed.Operators) > 0 || len(reparsed.Segments) > 1
}

func withinCwdSubtree(target, cwd string) bool {
	if cwd == "" || target == "" {
		return false
	}
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, abs)
	}
	abs = filepath.Clean(abs)
	cwdClean := filepath.Clean(cwd)
	if abs == cwdClean {
		return true
	}
	rel, err := filepath.Rel(cwdClean, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

const currentFileVersion = 1

// persist writes entries to disk in atomic-replace fashion: write a temp
// file in the same directory, fsync it, then rename over the real path.
// Rename is atomic on the same filesystem, so readers never observe a
// partially written file. No dedicated atomic-write library appears
// anywhere in the retrieval pack (see DESIGN.md); this is hand-written
// stdlib for that reason rather than by default.
func (s *Store) persist(entries []Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(fileFormat{Version: currentFileVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("allowlist: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("allowlist: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".allowlist-*.tmp")
	if err != nil {
		return fmt.Errorf("allowlist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("allowlist: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("allowlist: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("allowlist: close temp file: %w", err)
	}

	s.mu.Lock()
	s.skipNextReload = true
	s.mu.Unlock()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("allowlist: rename into place: %w", err)
	}
	return nil
}

// reloadFromDisk replaces in-memory entries with what is on disk,
// deduplicating by (pattern, agentId) and keeping the maximum useCount and
// most recent timestamps across duplicates — tolerating an operator having
// hand-edited the file, or two processes racing a write before fsnotify
// catches up.
func (s *Store) reloadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.entries = make(map[key]*Entry)
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("allowlist: parse %s: %w", s.path, err)
	}

	merged := make(map[key]*Entry, len(ff.Entries))
	for _, e := range ff.Entries {
		e := e
		k := key{pattern: e.Pattern, agentID: e.AgentID}
		existing, ok := merged[k]
		if !ok {
			merged[k] = &e
			continue
		}
		if e.UseCount > existing.UseCount {
			existing.UseCount = e.UseCount
		}
		if e.CreatedAtMs < existing.CreatedAtMs || existing.CreatedAtMs == 0 {
			existing.CreatedAtMs = e.CreatedAtMs
		}
		if e.LastUsedAtMs > existing.LastUsedAtMs {
			existing.LastUsedAtMs = e.LastUsedAtMs
			existing.LastCmdText = e.LastCmdText
		}
	}

	s.mu.Lock()
	s.entries = merged
	s.mu.Unlock()
	return nil
}

// WatchForExternalEdits starts an fsnotify watch on the allowlist file's
// directory and reloads on any write/create/rename touching it, so a
// sibling process or an operator hand-editing the file is picked up without
// a restart. It returns once the watcher is established; the watch loop
// itself runs until ctx is cancelled.
func (s *Store) WatchForExternalEdits(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist: new watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("allowlist: mkdir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("allowlist: watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.mu.Lock()
				skip := s.skipNextReload
				s.skipNextReload = false
				s.mu.Unlock()
				if skip {
					continue
				}
				if err := s.reloadFromDisk(); err != nil {
					s.log.Warn().Err(err).Msg("allowlist external reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("allowlist watcher error")
			}
		}
	}()
	return nil
}
