package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
include:
  - prompts.yaml
session:
  symbol: MES
  begin_time: "18:00"
  end_time: "17:00"
  no_new_trades: ["09:15-09:35"]
  force_close_time: "16:45"
  schedule:
    - range: "12:00-13:00"
      interval: skip
    - range: "09:30-10:00"
      interval: 30s
holidays:
  enabled: false
oracle:
  api_url: http://localhost:1234/v1
  model: test-model
  api_key: ${ESTRADER_TEST_KEY}
capture:
  mode: file
  file_dir: /tmp/shots
`

const promptsYAML = `
oracle:
  prompts:
    none: "flat {symbol}"
    long: "long {size}"
`

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return filepath.Join(dir, "config.yaml")
}

func TestLoad_IncludeDefaultsAndSecrets(t *testing.T) {
	t.Setenv("ESTRADER_TEST_KEY", "sk-test")
	path := writeConfig(t, map[string]string{"config.yaml": baseYAML, "prompts.yaml": promptsYAML})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "flat {symbol}", cfg.Oracle.Prompts.Flat)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
	assert.Equal(t, "MES", cfg.Session.ContractID)
	assert.Equal(t, defaultSessionInterval, cfg.Session.DefaultIntervalSeconds)
	assert.False(t, cfg.Holidays.Enabled, "explicit false must survive defaults")
	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, BrokerModePaper, cfg.Broker.Mode)
	assert.True(t, cfg.Broker.IsPaper())
	assert.Equal(t, []string{"High"}, cfg.Events.Severities)

	w, err := cfg.Session.TradingWindow()
	require.NoError(t, err)
	assert.True(t, w.Session().Wraps())
	require.NotNil(t, w.ForceClose)
	assert.Equal(t, "16:45", w.ForceClose.String())
	assert.Len(t, w.NoNewTrades, 1)

	r, err := cfg.Session.Resolver()
	require.NoError(t, err)
	assert.Len(t, r.Table, 2)
	assert.True(t, r.Table[0].Skip)
	assert.Equal(t, 30*time.Second, r.Table[1].Interval)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad begin":       "session:\n  symbol: MES\n  begin_time: \"25:00\"\n",
		"force outside":   "session:\n  symbol: MES\n  begin_time: \"09:30\"\n  end_time: \"16:00\"\n  force_close_time: \"17:00\"\n",
		"bad schedule":    "session:\n  symbol: MES\n  schedule:\n    - range: \"09:00-10:00\"\n      interval: sometimes\n",
		"missing symbol":  "session:\n  begin_time: \"09:30\"\n",
		"live w/o creds":  "session:\n  symbol: MES\nbroker:\n  mode: live\n",
		"unknown capture": "session:\n  symbol: MES\ncapture:\n  mode: screen\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			tail := "oracle:\n  api_url: http://x\n  model: m\n  prompts:\n    none: p\n"
			if name != "unknown capture" {
				tail += "capture:\n  mode: file\n  file_dir: /tmp\n"
			}
			path := writeConfig(t, map[string]string{"config.yaml": body + tail})
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_LiveBrokerRequiresReconcile(t *testing.T) {
	live := "broker:\n  mode: live\n  base_url: https://gw.example\n  user_name: u\n  api_key: k\n  account_id: 7\n"
	files := map[string]string{
		"config.yaml":  baseYAML + live + "reconcile:\n  enabled: false\n",
		"prompts.yaml": promptsYAML,
	}
	_, err := Load(writeConfig(t, files))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.enabled")

	files["config.yaml"] = baseYAML + live + "reconcile:\n  enabled: true\n"
	cfg, err := Load(writeConfig(t, files))
	require.NoError(t, err)
	assert.False(t, cfg.Broker.IsPaper())

	files["config.yaml"] = baseYAML + "reconcile:\n  enabled: false\n"
	_, err = Load(writeConfig(t, files))
	assert.NoError(t, err)
}

func TestLoad_IncludeCycle(t *testing.T) {
	path := writeConfig(t, map[string]string{
		"config.yaml": "include: [b.yaml]\n",
		"b.yaml":      "include: [config.yaml]\n",
	})
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestWatcher_InvalidReloadKeepsSnapshot(t *testing.T) {
	path := writeConfig(t, map[string]string{"config.yaml": baseYAML, "prompts.yaml": promptsYAML})
	cfg, err := Load(path)
	require.NoError(t, err)
	w := NewWatcher(path, cfg)

	var seen *Config
	w.Subscribe(func(c *Config) { seen = c })

	require.NoError(t, os.WriteFile(path, []byte("session:\n  symbol: \"\"\n"), 0o644))
	assert.Error(t, w.Reload())
	assert.Same(t, cfg, w.Current())
	assert.Nil(t, seen)
	assert.Equal(t, int64(1), w.Version())

	updated := baseYAML + "position:\n  runner_target_size: 1\n  default_size: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, w.Reload())
	assert.Equal(t, 1, w.Current().Position.RunnerTargetSize)
	assert.Same(t, w.Current(), seen)
	assert.Equal(t, int64(2), w.Version())
}
