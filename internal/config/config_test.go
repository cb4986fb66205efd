package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: DEBUG
scheduler:
  poll_interval: 10s
  history_size: 50
breaker:
  failure_threshold: 3
  recovery_timeout: 30s
metrics:
  enabled: true
  addr: "127.0.0.1:9402"
connectors:
  obis:
    schedule: "*/15 * * * *"
    timeout: 300
    command: "obis-pull --region baltic"
  copernicus:
    enabled: false
    schedule: "0 6 * * *"
    timeout: "10m"
    command: "copernicus-sync"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "tidewatch.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Len(t, cfg.Connectors, 2)

	obis := cfg.Connectors["obis"]
	require.True(t, obis.IsEnabled())
	require.Equal(t, "*/15 * * * *", obis.Schedule)
	// Bare integers are seconds.
	d, err := ParseTimeoutField("t", string(obis.Timeout))
	require.NoError(t, err)
	require.Equal(t, 300*time.Second, d)

	cop := cfg.Connectors["copernicus"]
	require.False(t, cop.IsEnabled())
	d, err = ParseTimeoutField("t", string(cop.Timeout))
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, d)

	set, err := cfg.Scheduler.Settings()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, set.PollInterval)
	require.Equal(t, 50, set.HistorySize)
	// Unset fields fall back to defaults.
	require.Equal(t, 60*time.Second, set.ErrorBackoff)
	require.Equal(t, 300*time.Second, set.DefaultTimeout)
	require.Equal(t, 5*time.Second, set.KillGrace)

	brk, err := cfg.Breaker.Settings()
	require.NoError(t, err)
	require.Equal(t, 3, brk.FailureThreshold)
	require.Equal(t, 30*time.Second, brk.RecoveryTimeout)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "c.yaml", "schedular:\n  poll_interval: 10s\n"))
	_, err := m.Load()
	require.Error(t, err)
}

func TestToStrictJSON(t *testing.T) {
	t.Run("non-yaml passes through", func(t *testing.T) {
		raw := []byte(`{"logging":{"level":"info"}}`)
		out, err := toStrictJSON("tidewatch.json", raw)
		require.NoError(t, err)
		require.Equal(t, raw, out)
	})

	t.Run("yaml becomes json", func(t *testing.T) {
		out, err := toStrictJSON("tidewatch.yaml", []byte("scheduler:\n  history_size: 50\n"))
		require.NoError(t, err)
		require.JSONEq(t, `{"scheduler":{"history_size":50}}`, string(out))
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		_, err := toStrictJSON("tidewatch.yaml", []byte("a: [unclosed"))
		require.Error(t, err)
	})
}

func TestValidateRejectsIncompleteConnectors(t *testing.T) {
	cases := map[string]string{
		"missing schedule": `
connectors:
  x:
    command: "run"
`,
		"missing command": `
connectors:
  x:
    schedule: "* * * * *"
`,
		"bad timeout": `
connectors:
  x:
    schedule: "* * * * *"
    timeout: "soon"
    command: "run"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "c.yaml", content))
			_, err := m.Load()
			require.Error(t, err)
		})
	}
}

func TestValidateAcceptsMalformedCron(t *testing.T) {
	// Schedule strings are not validated at load time; a typo degrades at
	// evaluation time instead of blocking the whole config.
	m := NewManager(writeConfig(t, "c.yaml", `
connectors:
  x:
    schedule: "not a cron"
    command: "run"
`))
	_, err := m.Load()
	require.NoError(t, err)
}

func TestDefaultSettings(t *testing.T) {
	set, err := SchedulerConfig{}.Settings()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, set.PollInterval)
	require.Equal(t, 60*time.Second, set.ErrorBackoff)
	require.Equal(t, 100, set.HistorySize)

	brk, err := BreakerConfig{}.Settings()
	require.NoError(t, err)
	require.Equal(t, 5, brk.FailureThreshold)
	require.Equal(t, 60*time.Second, brk.RecoveryTimeout)
}

func TestParseTimeoutField(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"":    0,
		"90":  90 * time.Second,
		"90s": 90 * time.Second,
		"5m":  5 * time.Minute,
	} {
		d, err := ParseTimeoutField("t", raw)
		require.NoError(t, err, "raw=%q", raw)
		require.Equal(t, want, d, "raw=%q", raw)
	}
	_, err := ParseTimeoutField("t", "-5")
	require.Error(t, err)
}

func TestConnectorsOnUnloadedManager(t *testing.T) {
	m := NewManager("/nonexistent/path.yaml")
	require.Empty(t, m.Connectors())
}

func TestReloadKeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, "tidewatch.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// A broken write is rejected and the committed config survives.
	require.NoError(t, os.WriteFile(path, []byte("connectors: ["), 0o600))
	m.reload()
	require.Len(t, m.Connectors(), 2)
	require.Empty(t, ch)

	// A valid write is committed and published.
	require.NoError(t, os.WriteFile(path, []byte(`
connectors:
  obis:
    schedule: "*/30 * * * *"
    command: "obis-pull"
`), 0o600))
	m.reload()

	select {
	case cfg := <-ch:
		require.Len(t, cfg.Connectors, 1)
		require.Equal(t, "*/30 * * * *", cfg.Connectors["obis"].Schedule)
	default:
		t.Fatal("expected a published config update")
	}

	// Same content again: hash-deduped, no second publish.
	m.reload()
	require.Empty(t, ch)
}

func TestDiffConnectors(t *testing.T) {
	old := map[string]ConnectorConfig{
		"keep":   {Schedule: "* * * * *", Command: "a"},
		"change": {Schedule: "* * * * *", Command: "b"},
		"drop":   {Schedule: "* * * * *", Command: "c"},
	}
	new := map[string]ConnectorConfig{
		"keep":   {Schedule: "* * * * *", Command: "a"},
		"change": {Schedule: "0 * * * *", Command: "b"},
		"add":    {Schedule: "* * * * *", Command: "d"},
	}
	d := DiffConnectors(old, new)
	require.Equal(t, []string{"add"}, d.Added)
	require.Equal(t, []string{"drop"}, d.Removed)
	require.Equal(t, []string{"change"}, d.Changed)
	require.False(t, d.Empty())
	require.True(t, DiffConnectors(old, old).Empty())
}
