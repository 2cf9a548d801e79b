// Package config loads the daemon configuration from config.yaml in the
// chorewheel home directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/chorewheel/internal/chore"
	"github.com/basket/chorewheel/internal/otel"
)

// ChoreConfig is one chore definition in config.yaml. The daemon upserts
// every listed chore into the registry on startup and on config reload.
type ChoreConfig struct {
	ID                 string               `yaml:"id"`
	Name               string               `yaml:"name"`
	CompletionCriteria string               `yaml:"completion_criteria"`
	ApprovalResetType  string               `yaml:"approval_reset_type"`
	Recurrence         chore.RecurrenceSpec `yaml:"recurrence"`
	OverdueHandling    string               `yaml:"overdue_handling"`
	MissedAfterDays    int                  `yaml:"missed_after_days"`
	PendingClaimAction string               `yaml:"pending_claim_action"`
	Assignees          []string             `yaml:"assignees"`
	// FirstDue is the initial due date, RFC 3339. Empty means midnight
	// tonight.
	FirstDue string `yaml:"first_due"`
}

// Chore converts the yaml entry to a domain definition. Enum defaults:
// INDEPENDENT criteria, UPON_COMPLETION reset, NONE overdue handling and
// pending claim action.
func (cc ChoreConfig) Chore() chore.Chore {
	c := chore.Chore{
		ID:              cc.ID,
		Name:            cc.Name,
		Criteria:        chore.CompletionCriteria(cc.CompletionCriteria),
		ResetType:       chore.ApprovalResetType(cc.ApprovalResetType),
		Recurrence:      cc.Recurrence,
		Overdue:         chore.OverdueHandling(cc.OverdueHandling),
		MissedAfterDays: cc.MissedAfterDays,
		PendingClaim:    chore.PendingClaimAction(cc.PendingClaimAction),
		Assignees:       cc.Assignees,
	}
	if c.Criteria == "" {
		c.Criteria = chore.CriteriaIndependent
	}
	if c.ResetType == "" {
		c.ResetType = chore.ResetUponCompletion
	}
	if c.Overdue == "" {
		c.Overdue = chore.OverdueNone
	}
	if c.PendingClaim == "" {
		c.PendingClaim = chore.PendingClaimNone
	}
	return c
}

// FirstDueTime parses the initial due date, defaulting to the next local
// midnight after now.
func (cc ChoreConfig) FirstDueTime(now time.Time) (time.Time, error) {
	if strings.TrimSpace(cc.FirstDue) == "" {
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location()), nil
	}
	due, err := time.Parse(time.RFC3339, cc.FirstDue)
	if err != nil {
		return time.Time{}, fmt.Errorf("chore %s: parse first_due: %w", cc.ID, err)
	}
	return due, nil
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// Quiet suppresses stdout logging; the jsonl log file is always written.
	Quiet bool `yaml:"quiet"`

	// ScanIntervalSeconds is the boundary scanner tick interval.
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`

	// DBPath overrides the sqlite database location. Empty uses
	// <home>/chorewheel.db.
	DBPath string `yaml:"db_path"`

	Otel otel.Config `yaml:"otel"`

	Chores []ChoreConfig `yaml:"chores"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		ScanIntervalSeconds: 60,
	}
}

// HomeDir returns the chorewheel home directory, honoring the
// CHOREWHEEL_HOME override.
func HomeDir() string {
	if override := os.Getenv("CHOREWHEEL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chorewheel")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the chorewheel home, creating the home
// directory if needed. A missing config file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create chorewheel home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ScanIntervalSeconds <= 0 {
		cfg.ScanIntervalSeconds = 60
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "chorewheel.db")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHOREWHEEL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHOREWHEEL_SCAN_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ScanIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CHOREWHEEL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CHOREWHEEL_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
}

// ScanInterval returns the scanner tick interval as a duration.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|scan=%d|db=%s|otel=%v|chores=%d",
		c.LogLevel, c.ScanIntervalSeconds, c.DBPath, c.Otel.Enabled, len(c.Chores))
	for _, cc := range c.Chores {
		fmt.Fprintf(h, "|%s:%s:%s:%d%s:%v",
			cc.ID, cc.CompletionCriteria, cc.ApprovalResetType,
			cc.Recurrence.Interval, cc.Recurrence.Unit, cc.Assignees)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
