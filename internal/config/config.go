// Package config defines the four on-disk YAML documents named in spec
// §6 (settings, title equivalences, scene tags, source priority) as Go
// structs, unmarshaled with gopkg.in/yaml.v3: defaults struct, then
// overlay from file, then environment override. Document loading itself
// stays a thin pass-through — validation and the richer catalog/document
// behaviors live in internal/equivalence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssm/suwayomi-merge/internal/errtag"
)

// Settings is settings.yml: paths, delays, thread/timeout knobs, the
// circuit-breaker threshold, and PUID/PGID.
type Settings struct {
	SourcesRoot     string `yaml:"sources_root"`
	OverrideRoot    string `yaml:"override_root"`
	MergedRoot      string `yaml:"merged_root"`
	StateDir        string `yaml:"state_dir"`
	BranchLinksRoot string `yaml:"branch_links_root"`

	PUID int `yaml:"puid"`
	PGID int `yaml:"pgid"`

	MountOptions string `yaml:"mount_options"`

	ScanIntervalSeconds        int `yaml:"scan_interval_seconds"`
	MinScanIntervalSeconds     int `yaml:"min_scan_interval_seconds"`
	ScanLockRetrySeconds       int `yaml:"scan_lock_retry_seconds"`
	CircuitBreakerThreshold    int `yaml:"circuit_breaker_threshold"`
	CommandTimeoutSeconds      int `yaml:"command_timeout_seconds"`
	CommandKillGraceSeconds    int `yaml:"command_kill_grace_seconds"`
	RenameDelaySeconds         int `yaml:"rename_delay_seconds"`
	RenameQuietSeconds         int `yaml:"rename_quiet_seconds"`
	RenameRescanSeconds        int `yaml:"rename_rescan_grace_seconds"`
	RenamePollIntervalSeconds  int `yaml:"rename_poll_interval_seconds"`
	ShutdownHardTimeoutSeconds int `yaml:"shutdown_hard_timeout_seconds"`
	HealthCheckEnabled         bool `yaml:"health_check_enabled"`

	TimingSlowestN       int `yaml:"timing_slowest_n"`
	TimingSlowMinMillis  int `yaml:"timing_slow_min_millis"`

	ExcludedSourceNames []string `yaml:"excluded_source_names"`

	// PathPrefixEquivalents maps a physical-disk prefix (e.g.
	// "/mnt/disk2/manga") to its canonical user-share form (e.g.
	// "/mnt/user/manga"), per spec §4.7/§9's "normalization at ingress"
	// design note. The event reader watches both the canonical root and
	// every physical equivalent whose Canonical matches it, and rewrites
	// every observed event path through this table before classifying it.
	PathPrefixEquivalents []PathEquivalent `yaml:"path_prefix_equivalents"`
}

// PathEquivalent is one physical-disk/user-share prefix pair.
type PathEquivalent struct {
	Physical  string `yaml:"physical"`
	Canonical string `yaml:"canonical"`
}

// Default returns a Settings populated with the daemon's defaults,
// matching the bit-exact filesystem layout of spec §6.
func Default() Settings {
	return Settings{
		SourcesRoot:                "/ssm/sources",
		OverrideRoot:               "/ssm/override",
		MergedRoot:                 "/ssm/merged",
		StateDir:                   "/ssm/state",
		BranchLinksRoot:            "/ssm/state/branch-links",
		MountOptions:               "allow_other,use_ino,cache.files=partial",
		ScanIntervalSeconds:        300,
		MinScanIntervalSeconds:     10,
		ScanLockRetrySeconds:       2,
		CircuitBreakerThreshold:    5,
		CommandTimeoutSeconds:      30,
		CommandKillGraceSeconds:    5,
		RenameDelaySeconds:         60,
		RenameQuietSeconds:         30,
		RenameRescanSeconds:        600,
		RenamePollIntervalSeconds:  5,
		ShutdownHardTimeoutSeconds: 20,
		HealthCheckEnabled:         true,
		TimingSlowestN:             5,
		TimingSlowMinMillis:        200,
		PUID:                       99,
		PGID:                       100,
	}
}

// LoadSettings reads and overlays settings.yml onto the defaults, then
// applies the PUID and PGID environment variables when they are set.
func LoadSettings(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return s, fmt.Errorf("reading %s: %w", path, errtag.IoUnavailable)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parsing %s: %w", path, errtag.ConfigInvalid)
		}
	}
	for name, field := range map[string]*int{"PUID": &s.PUID, "PGID": &s.PGID} {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return s, fmt.Errorf("parsing %s=%q: %w", name, v, errtag.ConfigInvalid)
			}
			*field = n
		}
	}
	return s, nil
}

// SceneTags is scene_tags.yml: the ordered list of configured trailing
// tag strings (textual, mixed, or pure-punctuation).
type SceneTags struct {
	Tags []string `yaml:"tags"`
}

func LoadSceneTags(path string) (SceneTags, error) {
	var st SceneTags
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("reading %s: %w", path, errtag.IoUnavailable)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parsing %s: %w", path, errtag.ConfigInvalid)
	}
	return st, nil
}

// SourcePriority is source_priority.yml: the ordered list of source
// names (lower index = preferred) plus the excluded-sources list. Spec
// §9 open question (a) leaves the interaction of an excluded source
// also named in priority undefined upstream; this daemon's Resolution:
// exclusion wins — an excluded name is dropped from enumeration before
// priority ordering is ever consulted (see internal/scan).
type SourcePriority struct {
	Order    []string `yaml:"order"`
	Excluded []string `yaml:"excluded"`
}

func LoadSourcePriority(path string) (SourcePriority, error) {
	var sp SourcePriority
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sp, nil
		}
		return sp, fmt.Errorf("reading %s: %w", path, errtag.IoUnavailable)
	}
	if err := yaml.Unmarshal(data, &sp); err != nil {
		return sp, fmt.Errorf("parsing %s: %w", path, errtag.ConfigInvalid)
	}
	return sp, nil
}

// Rank returns the index of name in the priority order, or len(Order) if
// absent (unranked sources sort after all ranked ones).
func (sp SourcePriority) Rank(name string) int {
	for i, n := range sp.Order {
		if n == name {
			return i
		}
	}
	return len(sp.Order)
}

func (sp SourcePriority) IsExcluded(name string) bool {
	for _, n := range sp.Excluded {
		if n == name {
			return true
		}
	}
	return false
}

// Duration helpers translate the *Seconds integer fields into
// time.Duration at the call sites that need them, keeping the YAML
// document itself free of time.Duration's marshaling quirks.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
