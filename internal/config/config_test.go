package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newManager(path string) *ConfigManager {
	m := NewConfigManager(path)
	m.SetEnvFile("")
	return m
}

func TestLoadEnvOnlyWithDefaults(t *testing.T) {
	t.Setenv("API_KEY", "k")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("CHANNEL_ID", "-1001")

	cfg, err := newManager("").Load()
	require.NoError(t, err)
	require.Equal(t, "k", cfg.Provider.APIKey)
	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, "-1001", cfg.Telegram.ChannelID)
	require.Equal(t, "us", cfg.Provider.Country)
	require.Equal(t, "ubisoft", cfg.Provider.Service)
	require.Equal(t, 5*time.Second, cfg.Orders.PollIntervalOrDefault())
	require.Equal(t, 20*time.Second, cfg.Announce.RefreshIntervalOrDefault())
	require.Equal(t, 2*time.Minute, cfg.Orders.CodeTTLOrDefault())
	require.Zero(t, cfg.Orders.MaxAgeOrZero())
	require.Equal(t, 10, cfg.Announce.ScanLimit)
}

func TestSectionPrefixedEnvWins(t *testing.T) {
	t.Setenv("API_KEY", "bare")
	t.Setenv("PROVIDER_API_KEY", "prefixed")
	t.Setenv("TELEGRAM_TOKEN", "t")
	t.Setenv("CHANNEL_ID", "1")
	t.Setenv("ORDERS_POLL_INTERVAL", "7s")

	cfg, err := newManager("").Load()
	require.NoError(t, err)
	require.Equal(t, "prefixed", cfg.Provider.APIKey)
	require.Equal(t, 7*time.Second, cfg.Orders.PollIntervalOrDefault())
}

func TestLoadYAMLFileThenEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bot.yaml", `
telegram:
  token: file-token
  channel_id: "-100"
provider:
  api_key: file-key
  country: gb
orders:
  poll_interval: 3s
  max_age: 30m
logging:
  level: debug
  file:
    path: /tmp/bot.log
`)
	t.Setenv("SMS_COUNTRY", "de")

	cfg, err := newManager(path).Load()
	require.NoError(t, err)
	require.Equal(t, "file-token", cfg.Telegram.Token)
	require.Equal(t, "de", cfg.Provider.Country, "env overrides file")
	require.Equal(t, "ubisoft", cfg.Provider.Service, "default kept")
	require.Equal(t, 3*time.Second, cfg.Orders.PollIntervalOrDefault())
	require.Equal(t, 30*time.Minute, cfg.Orders.MaxAgeOrZero())
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/bot.log", cfg.Logging.File.Path)
}

func TestLoadRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	_, err := newManager(writeFile(t, dir, "a.json", `{"telegram":{"tokn":"x"}}`)).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field")

	_, err = newManager(writeFile(t, dir, "b.json", `{"telegram":{}} {}`)).Load()
	require.Error(t, err)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Orders.PollInterval = "soon"
	cfg.Announce.RefreshInterval = "10ms"
	cfg.Logging.Level = "loud"
	cfg.Storage.Driver = "sqlite"

	err := Validate(&cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"telegram.token: required",
		"telegram.channel_id: required",
		"provider.api_key: required",
		"logging.level: must be one of",
		`orders.poll_interval: invalid duration "soon"`,
		"announce.refresh_interval: must be at least 1s",
		"storage.path: required for driver sqlite",
	} {
		require.Contains(t, msg, want)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	body := `{"telegram":{"token":"t","channel_id":"1"},"provider":{"api_key":"k"},"orders":{"poll_interval":"5s"}}`
	path := writeFile(t, dir, "bot.json", body)
	m := newManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload()
	require.NoError(t, err)
	require.False(t, published)

	writeFile(t, dir, "bot.json", strings.Replace(body, `"5s"`, `"9s"`, 1))
	published, err = m.Reload()
	require.NoError(t, err)
	require.True(t, published)
	got := <-sub
	require.Equal(t, "9s", got.Orders.PollInterval)
	require.Equal(t, "9s", m.Get().Orders.PollInterval)

	writeFile(t, dir, "bot.json", strings.Replace(body, `"5s"`, `"nope"`, 1))
	published, err = m.Reload()
	require.Error(t, err)
	require.False(t, published)
	require.Equal(t, "9s", m.Get().Orders.PollInterval, "invalid config is not committed")
}

func TestWatchPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	body := `{"telegram":{"token":"t","channel_id":"1"},"provider":{"api_key":"k"},"announce":{"scan_limit":10}}`
	path := writeFile(t, dir, "bot.json", body)
	m := newManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "bot.json", strings.Replace(body, "10", "25", 1))

	select {
	case cfg := <-sub:
		require.Equal(t, 25, cfg.Announce.ScanLimit)
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
}

func TestDotEnvFillsMissingVariables(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, "test.env", "SMSBOT_TEST_DOTENV_SERVICE=fromdotenv\n")
	t.Cleanup(func() { _ = os.Unsetenv("SMSBOT_TEST_DOTENV_SERVICE") })

	m := NewConfigManager("")
	m.SetEnvFile(envPath)
	_, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "fromdotenv", os.Getenv("SMSBOT_TEST_DOTENV_SERVICE"))
}

func TestSummarizeChange(t *testing.T) {
	a := Defaults()
	b := Defaults()
	require.True(t, SummarizeChange(&a, &b).Empty())

	b.Orders.PollInterval = "8s"
	b.Logging.Level = "debug"
	b.Telegram.Token = "new-secret"
	ch := SummarizeChange(&a, &b)
	require.Equal(t, []string{"orders", "logging"}, ch.Live)
	require.Equal(t, []string{"telegram"}, ch.Restart)
	require.NotContains(t, strings.Join(append(ch.Live, ch.Restart...), ","), "new-secret")
}

func TestBlankFileAndYAMLKeys(t *testing.T) {
	t.Setenv("API_KEY", "k")
	t.Setenv("TELEGRAM_TOKEN", "t")
	t.Setenv("CHANNEL_ID", "1")
	dir := t.TempDir()

	for _, name := range []string{"empty.json", "empty.yaml"} {
		cfg, err := newManager(writeFile(t, dir, name, "  \n")).Load()
		require.NoError(t, err, name)
		require.Equal(t, "us", cfg.Provider.Country, name)
	}

	out, err := toJSON(formatYAML, []byte("a:\n  1: x\n  list: [{2: y}]\n"))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"1":"x","list":[{"2":"y"}]}}`, string(out))
}
