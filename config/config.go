// Package config loads the gatekeeper's file-backed configuration (global
// policy plus per-agent overrides) the way common/local_config.go loads
// sidekick's own local config: koanf over a discovered YAML/TOML/JSON file,
// defaulting to an empty configuration when none exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	jsonparser "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"cmdgate/policy"
)

// SecurityConfig is the file-representation of a Policy, using the
// enum strings spec.md 3 names directly as koanf/yaml values.
type SecurityConfig struct {
	Security        string   `koanf:"security" yaml:"security,omitempty"`
	Ask             string   `koanf:"ask" yaml:"ask,omitempty"`
	SafeBins        []string `koanf:"safe_bins" yaml:"safe_bins,omitempty"`
	SkillBins       []string `koanf:"skill_bins" yaml:"skill_bins,omitempty"`
	AutoAllowSkills *bool    `koanf:"auto_allow_skills" yaml:"auto_allow_skills,omitempty"`
}

// GatekeeperConfig is the top-level file shape: global policy plus
// per-agentId overrides, implementing spec.md 3's "Resolved per-agent
// (agent config overrides global config)".
type GatekeeperConfig struct {
	Global SecurityConfig            `koanf:"global" yaml:"global,omitempty"`
	Agents map[string]SecurityConfig `koanf:"agents" yaml:"agents,omitempty"`
}

// defaultGlobal is applied when the config file sets no global section at
// all, matching the teacher's "no file means an empty, harmless config"
// convention in LoadSidekickConfig.
var defaultGlobal = SecurityConfig{
	Security: string(policy.SecurityAllowlist),
	Ask:      string(policy.AskUntrusted),
}

// Load reads and parses the configuration file at path. A missing file is
// not an error; it yields a GatekeeperConfig with the conservative default
// global policy.
func Load(path string) (GatekeeperConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return GatekeeperConfig{Global: defaultGlobal}, nil
	}

	parser := parserForExtension(path)
	if parser == nil {
		return GatekeeperConfig{}, fmt.Errorf("config: unsupported file extension for %s", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return GatekeeperConfig{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	var cfg GatekeeperConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return GatekeeperConfig{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *GatekeeperConfig) {
	if cfg.Global.Security == "" {
		cfg.Global.Security = defaultGlobal.Security
	}
	if cfg.Global.Ask == "" {
		cfg.Global.Ask = defaultGlobal.Ask
	}
}

// parserForExtension mirrors common/config_discovery.go's
// GetParserForExtension.
func parserForExtension(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Parser()
	case ".toml":
		return toml.Parser()
	case ".json":
		return jsonparser.Parser()
	default:
		return nil
	}
}

// candidateFileNames is tried in order by DefaultConfigPath, mirroring
// common/config_discovery.go's DiscoverConfigFile precedence-by-order
// convention.
var candidateFileNames = []string{"config.yml", "config.yaml", "config.toml", "config.json"}

// DefaultConfigDir mirrors common/local_config.go's GetSidekickConfigDir:
// prefer the "~/.config"-style XDG dir when one is present in
// xdg.ConfigDirs, for developer-editable config on every platform.
func DefaultConfigDir() string {
	if dir := os.Getenv("CMDGATE_CONFIG_DIR"); dir != "" {
		return dir
	}

	configDir := xdg.ConfigHome
	for _, dir := range xdg.ConfigDirs {
		if filepath.Base(dir) == ".config" {
			configDir = dir
			break
		}
	}
	return filepath.Join(configDir, "cmdgate")
}

// DefaultConfigPath discovers the first existing candidate config file
// under DefaultConfigDir, falling back to "config.yml" if none exist yet
// (so callers have a path to watch even before the file is created).
func DefaultConfigPath() string {
	if path := os.Getenv("CMDGATE_CONFIG_PATH"); path != "" {
		return path
	}

	dir := DefaultConfigDir()
	for _, name := range candidateFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(dir, candidateFileNames[0])
}

// ResolvePolicy implements spec.md 3's per-agent resolution: the global
// section provides defaults, and any non-empty field on the agent's
// override section takes precedence.
func ResolvePolicy(cfg GatekeeperConfig, agentID string) policy.Policy {
	merged := cfg.Global
	if override, ok := cfg.Agents[agentID]; ok {
		merged = mergeSecurityConfig(cfg.Global, override)
	}
	return toPolicy(merged)
}

func mergeSecurityConfig(base, override SecurityConfig) SecurityConfig {
	out := base
	if override.Security != "" {
		out.Security = override.Security
	}
	if override.Ask != "" {
		out.Ask = override.Ask
	}
	if override.SafeBins != nil {
		out.SafeBins = override.SafeBins
	}
	if override.SkillBins != nil {
		out.SkillBins = override.SkillBins
	}
	if override.AutoAllowSkills != nil {
		out.AutoAllowSkills = override.AutoAllowSkills
	}
	return out
}

func toPolicy(sc SecurityConfig) policy.Policy {
	skillBins := make(map[string]bool, len(sc.SkillBins))
	for _, b := range sc.SkillBins {
		skillBins[b] = true
	}
	autoAllow := false
	if sc.AutoAllowSkills != nil {
		autoAllow = *sc.AutoAllowSkills
	}
	return policy.Policy{
		Security:        policy.Security(sc.Security),
		Ask:             policy.Ask(sc.Ask),
		SafeBinDirs:     append([]string(nil), sc.SafeBins...),
		SkillBins:       skillBins,
		AutoAllowSkills: autoAllow,
	}
}
