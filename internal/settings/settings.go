// Package settings loads the optional operational-tuning file that keeps
// a few knobs out of the wire protocol entirely: per-user concurrency
// cap, per-action timeout default, and the control socket's privileged
// group. Absence of the file is not an error — every field defaults to
// "no cap, no timeout".
package settings

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the daemon's operational tuning, all of it optional.
type Settings struct {
	// ControlGroup names a group (in addition to root) allowed to connect
	// to the control socket. Empty means root-only.
	ControlGroup string `yaml:"control_group"`

	// ConcurrencyPerUser caps the number of simultaneously running
	// actions triggered by one user's comm endpoint. Zero means unbounded.
	ConcurrencyPerUser int `yaml:"concurrency_per_user"`

	// ActionTimeoutSeconds bounds how long an action may run before the
	// comm handler kills it. Zero means no timeout.
	ActionTimeoutSeconds int `yaml:"action_timeout_seconds"`

	// RatePerSecond and RateBurst configure a token-bucket limiter on
	// SIGNAL requests per user, guarding against a single user's comm
	// endpoint being hammered. Zero RatePerSecond means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// ActionTimeout returns ActionTimeoutSeconds as a Duration, or 0 (no
// timeout) if unset.
func (s Settings) ActionTimeout() time.Duration {
	if s.ActionTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.ActionTimeoutSeconds) * time.Second
}

// Load reads path as YAML into a Settings. A missing file is not an
// error: it returns the zero-value Settings (every extension point off).
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
