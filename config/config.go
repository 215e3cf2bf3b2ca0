// Package config loads trading settings from config.json and hands out
// immutable snapshots. Each orchestrator run takes one snapshot so a
// config edit can never change parameters mid-transaction; the loader
// re-reads the file between runs when its mtime changes.
package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"ocobot/logger"
)

// ExitMode selects how a filled entry is protected.
const (
	ExitModeFixedOCO   = "fixed_oco"
	ExitModeTrailingTP = "trailing_tp"
)

// Settings is one immutable configuration snapshot.
type Settings struct {
	DryRun     bool   `json:"dry_run"`
	UseTestnet bool   `json:"use_testnet"`
	QuoteAsset string `json:"quote_asset"`

	CapitalEntryPctDefault float64 `json:"capital_entry_pct_default"`
	OverrideCapitalEnabled bool    `json:"override_capital_enabled"`
	MinNotionalUSD         float64 `json:"min_notional_usd"`

	MaxSlippagePct            float64 `json:"max_slippage_pct"`
	UseLimitIfSlippageExceeds bool    `json:"use_limit_if_slippage_exceeds"`
	LimitTimeInForceSec       int     `json:"limit_time_in_force_sec"`

	DefaultSLPct         float64 `json:"default_sl_pct"`
	OverrideTPEnabled    bool    `json:"override_tp_enabled"`
	OverrideTPPct        float64 `json:"override_tp_pct"`
	OverrideSLEnabled    bool    `json:"override_sl_enabled"`
	OverrideSLPct        float64 `json:"override_sl_pct"`
	OverrideSLAsAbsolute bool    `json:"override_sl_as_absolute"`

	ExitMode                string  `json:"exit_mode"` // fixed_oco | trailing_tp
	TrailingTPActivationPct float64 `json:"trailing_tp_activation_pct"`
	TrailingTPPullbackPct   float64 `json:"trailing_tp_pullback_pct"`

	FlattenCheckIntervalMin float64 `json:"flatten_check_interval_min"`
	APIServerPort           int     `json:"api_server_port"`
	MachineName             string  `json:"machine_name"`
	LogLevel                string  `json:"log_level"`
}

// SetDefaults fills zero-valued fields with working defaults.
func (s *Settings) SetDefaults() {
	if s.QuoteAsset == "" {
		s.QuoteAsset = "USDT"
	}
	if s.CapitalEntryPctDefault == 0 {
		s.CapitalEntryPctDefault = 0.80
	}
	if s.MinNotionalUSD == 0 {
		s.MinNotionalUSD = 5
	}
	if s.MaxSlippagePct == 0 {
		s.MaxSlippagePct = 0.015
	}
	if s.LimitTimeInForceSec == 0 {
		s.LimitTimeInForceSec = 180
	}
	if s.DefaultSLPct == 0 {
		s.DefaultSLPct = 0.10
	}
	if s.OverrideTPPct == 0 {
		s.OverrideTPPct = 0.03
	}
	if s.OverrideSLPct == 0 {
		s.OverrideSLPct = 0.01
	}
	if s.ExitMode == "" {
		s.ExitMode = ExitModeFixedOCO
	}
	if s.TrailingTPActivationPct == 0 {
		s.TrailingTPActivationPct = 0.01
	}
	if s.TrailingTPPullbackPct == 0 {
		s.TrailingTPPullbackPct = 0.005
	}
	if s.FlattenCheckIntervalMin == 0 {
		s.FlattenCheckIntervalMin = 10
	}
	if s.APIServerPort == 0 {
		s.APIServerPort = 8080
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Loader re-reads config.json when its mtime changes and serves
// point-in-time copies of the settings.
type Loader struct {
	path  string
	mu    sync.Mutex
	cur   Settings
	mtime time.Time
}

// NewLoader reads the initial settings. A missing or broken file is not
// fatal: defaults are used, matching a fresh deployment.
func NewLoader(path string) *Loader {
	l := &Loader{path: path}
	l.cur.SetDefaults()
	l.reload()
	return l
}

// Snapshot returns the current settings by value, reloading the file
// first if it changed on disk.
func (l *Loader) Snapshot() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := os.Stat(l.path)
	if err == nil && !st.ModTime().Equal(l.mtime) {
		l.reloadLocked(st.ModTime())
	}
	return l.cur
}

func (l *Loader) reload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := os.Stat(l.path)
	if err != nil {
		return
	}
	l.reloadLocked(st.ModTime())
}

func (l *Loader) reloadLocked(mtime time.Time) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		logger.Warnf("⚠️  Failed to read %s: %v", l.path, err)
		return
	}

	var next Settings
	if err := json.Unmarshal(data, &next); err != nil {
		logger.Warnf("⚠️  Failed to parse %s, keeping previous settings: %v", l.path, err)
		return
	}
	next.SetDefaults()

	l.cur = next
	l.mtime = mtime
	logger.Infof("🔄 Settings loaded from %s", l.path)
}
