package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var overrideKeys = []string{
	"LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "NATS_URL", "LOG_SOURCE", "SCAN_BATCH_SIZE",
	"ELASTICSEARCH_HOST", "ELASTICSEARCH_USERNAME", "ELASTICSEARCH_PASSWORD",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_GROUP_ID", "ALERT_EMAIL_RECIPIENTS",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM", "PORT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range overrideKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromBytesAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromBytes([]byte("log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, SourceElasticsearch, cfg.Source.Type)
	assert.Equal(t, 500, cfg.Source.BatchSize)
	assert.Equal(t, []string{"core", "merchant", "transaction", "vendor"}, cfg.Source.Keywords)
	assert.Equal(t, 10*time.Second, cfg.Alert.SendTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scan.LeaseTTL)
	assert.Equal(t, "timestamp", cfg.Source.SQL.Columns.Timestamp)
}

func TestLoadFromBytesParsesSections(t *testing.T) {
	clearEnv(t)
	data := []byte(`
source:
  type: sql
  batch_size: 200
  query_timeout: 45s
  keywords: [billing]
  sql:
    driver: mysql
    host: logs-db
    port: 3306
    database: logs
    columns:
      message: msg
alert:
  send_timeout: 5s
  telegram:
    chat_id: "-100"
  email_recipients: [ops@example.com]
scan:
  interval: 2m
  collections: [app_logs]
`)
	cfg, err := LoadFromBytes(data)
	require.NoError(t, err)

	assert.Equal(t, SourceSQL, cfg.Source.Type)
	assert.Equal(t, 200, cfg.Source.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Source.QueryTimeout)
	assert.Equal(t, []string{"billing"}, cfg.Source.Keywords)
	assert.Equal(t, "mysql", cfg.Source.SQL.Driver)
	assert.Equal(t, "msg", cfg.Source.SQL.Columns.Message)
	assert.Equal(t, "id", cfg.Source.SQL.Columns.ID, "unset columns keep their default")
	assert.Equal(t, 5*time.Second, cfg.Alert.SendTimeout)
	assert.Equal(t, "-100", cfg.Alert.Telegram.ChatID)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Alert.EmailRecipients)
	assert.Equal(t, 2*time.Minute, cfg.Scan.Interval)
	assert.Equal(t, []string{"app_logs"}, cfg.Scan.Collections)
}

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("LOGWATCH_TEST_HOST", "es-prod")
	t.Setenv("LOGWATCH_TEST_EMPTY", "")

	assert.Equal(t, "http://es-prod:9200", expandEnvWithDefaults("http://${LOGWATCH_TEST_HOST}:9200"))
	assert.Equal(t, "fallback", expandEnvWithDefaults("${LOGWATCH_TEST_EMPTY:-fallback}"))
	assert.Equal(t, "", expandEnvWithDefaults("${LOGWATCH_TEST_UNSET_VARIABLE}"))
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "token-from-env")
	t.Setenv("ELASTICSEARCH_HOST", "http://a:9200, http://b:9200")
	t.Setenv("ALERT_EMAIL_RECIPIENTS", "a@example.com,,b@example.com")
	t.Setenv("SCAN_BATCH_SIZE", "not-a-number")

	cfg, err := LoadFromBytes([]byte("alert:\n  telegram:\n    bot_token: token-from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "token-from-env", cfg.Alert.Telegram.BotToken)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.Source.Elasticsearch.Addresses)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Alert.EmailRecipients)
	assert.Equal(t, 500, cfg.Source.BatchSize, "unparsable integers keep the configured value")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown source", func(c *Config) { c.Source.Type = "kafka" }, "source.type"},
		{"sql without driver", func(c *Config) { c.Source.Type = SourceSQL }, "source.sql.driver"},
		{"sql without host", func(c *Config) { c.Source.Type = SourceSQL; c.Source.SQL.Driver = "postgres" }, "source.sql.host"},
		{"batch size", func(c *Config) { c.Source.BatchSize = 0 }, "source.batch_size"},
		{"smtp without from", func(c *Config) { c.Alert.SMTP.Host = "smtp.example.com" }, "alert.smtp.from"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"interval", func(c *Config) { c.Scan.Interval = 0 }, "scan.interval"},
		{"admin port", func(c *Config) { c.Admin.Port = 70000 }, "admin.port"},
		{"no dsn", func(c *Config) { c.Database.DSN = " " }, "database.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin:\n  port: 9100\n"), 0o600))
	clearEnv(t)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Admin.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
