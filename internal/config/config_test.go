package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cronhub/pkg/logx"
)

func TestDecodeYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(`
scheduler:
  timezone: Asia/Jakarta
  max_concurrent: 2
storage:
  driver: memory
`))
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "30s", cfg.Scheduler.Cadence)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 1000, cfg.Executor.MaxResponseChars)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("config.yml", []byte("# nothing here\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode("config.yaml", []byte("scheduler:\n  workers: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")

	_, err = Decode("config.json", []byte(`{"logging":{"level":"DEBUG"}} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("config.json", []byte(`{"scheduler":{"enabled":false},"executor":{"strict_request_config":true}}`))
	require.NoError(t, err)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.Executor.StrictRequestConfig)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("scheduler.cadence", "soon")
	assert.ErrorContains(t, err, "scheduler.cadence")
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	changed, _, restart := SummarizeConfigChange(a, b)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	b.Scheduler.MaxConcurrent = 3
	b.Storage.DSN = "postgres://user:secret@db/cronhub"
	b.Debug.Token = "secret-token"
	changed, attrs, restart := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"debug", "scheduler", "storage"}, changed)
	assert.Equal(t, []string{"storage"}, restart)
	var buf bytes.Buffer
	logx.NewJSON(&buf, "DEBUG").Info("config.reloaded", attrs...)
	assert.Contains(t, buf.String(), `"storage.dsn_set":true`)
	assert.Contains(t, buf.String(), `"debug.token_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := Default(), Default()
	second.Logging.Level = "DEBUG"

	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: INFO\n"), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxConcurrent > 100 {
			return assert.AnError
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrent: 500\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 8, m.Get().Scheduler.MaxConcurrent)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: DEBUG\n"), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	cancel()
	<-done
}
