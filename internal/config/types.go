package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root of the tidewatch configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "30s", "5m"). Bare integers are
// accepted for connector timeouts and interpreted as seconds.
type Config struct {
	Logging    LoggingConfig              `json:"logging"`
	Scheduler  SchedulerConfig            `json:"scheduler"`
	Breaker    BreakerConfig              `json:"breaker,omitempty"`
	Metrics    MetricsConfig              `json:"metrics,omitempty"`
	Connectors map[string]ConnectorConfig `json:"connectors"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the polling loop and run execution.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - error_backoff: "60s" (sleep after an unexpected loop-body error)
//   - history_size: 100
//   - default_timeout: "300s"
//   - kill_grace: "5s" (SIGTERM → SIGKILL window)
type SchedulerConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`
	ErrorBackoff   string `json:"error_backoff,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	KillGrace      string `json:"kill_grace,omitempty"`
}

// BreakerConfig controls circuit breaker defaults shared by all services.
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 5
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`  // default "60s"
}

// MetricsConfig controls the optional status/metrics HTTP listener.
//
// Binding to a non-loopback address requires either Token or an
// explicit allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9402"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// ConnectorConfig is one scheduled connector as written in the config file.
// Command is a shell-quoted command line resolved by the connector registry
// at load time.
//
// Enabled is a pointer so an omitted field defaults to true while an explicit
// `enabled: false` disables the connector.
type ConnectorConfig struct {
	Enabled  *bool      `json:"enabled,omitempty"`
	Schedule string     `json:"schedule"`
	Timeout  FlexString `json:"timeout,omitempty"`
	Command  string     `json:"command"`
}

func (c ConnectorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SchedulerSettings is SchedulerConfig with defaults applied and durations parsed.
type SchedulerSettings struct {
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	HistorySize    int
	DefaultTimeout time.Duration
	KillGrace      time.Duration
}

func (s SchedulerConfig) Settings() (SchedulerSettings, error) {
	var out SchedulerSettings
	var err error
	if out.PollInterval, err = ParseDurationOrDefault("scheduler.poll_interval", s.PollInterval, 30*time.Second); err != nil {
		return out, err
	}
	if out.ErrorBackoff, err = ParseDurationOrDefault("scheduler.error_backoff", s.ErrorBackoff, 60*time.Second); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = ParseDurationOrDefault("scheduler.default_timeout", s.DefaultTimeout, 300*time.Second); err != nil {
		return out, err
	}
	if out.KillGrace, err = ParseDurationOrDefault("scheduler.kill_grace", s.KillGrace, 5*time.Second); err != nil {
		return out, err
	}
	out.HistorySize = s.HistorySize
	if out.HistorySize <= 0 {
		out.HistorySize = 100
	}
	return out, nil
}

// BreakerSettings is BreakerConfig with defaults applied.
type BreakerSettings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (b BreakerConfig) Settings() (BreakerSettings, error) {
	out := BreakerSettings{FailureThreshold: b.FailureThreshold}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	var err error
	out.RecoveryTimeout, err = ParseDurationOrDefault("breaker.recovery_timeout", b.RecoveryTimeout, 60*time.Second)
	return out, err
}

// Validate rejects configs that would leave the scheduler in a broken state.
//
// Connector schedule strings are deliberately NOT validated here: a malformed
// cron expression degrades to an hourly retry at evaluation time instead of
// blocking the whole config.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var problems []string
	for name, cc := range c.Connectors {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "connector with empty name")
			continue
		}
		if strings.TrimSpace(cc.Schedule) == "" {
			problems = append(problems, fmt.Sprintf("connectors.%s: schedule required", name))
		}
		if strings.TrimSpace(cc.Command) == "" {
			problems = append(problems, fmt.Sprintf("connectors.%s: command required", name))
		}
		if _, err := ParseTimeoutField(fmt.Sprintf("connectors.%s.timeout", name), string(cc.Timeout)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if _, err := c.Scheduler.Settings(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.Breaker.Settings(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
