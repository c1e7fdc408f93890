package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  base_url: "https://game.example.com"
  rate_per_sec: 2.5
captcha:
  enabled: true
  api_url: "http://127.0.0.1:5000/predict"
  confidence_threshold: 0.85
pool:
  workers: 4
  lease_timeout: "15m"
  failure_cooldown: "1m"
accounts:
  csv_file: "creds.csv"
storage:
  path: "./data/accounts.db"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
telegram:
  token: "123:abc"
  chat_id: -100123
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.BaseURL != "https://game.example.com" {
		t.Fatalf("base_url: %q", cfg.Server.BaseURL)
	}
	if cfg.Server.RatePerSec != 2.5 {
		t.Fatalf("rate_per_sec: %v", cfg.Server.RatePerSec)
	}
	if !cfg.Captcha.Enabled || cfg.Captcha.ConfidenceThreshold != 0.85 {
		t.Fatalf("captcha: %+v", cfg.Captcha)
	}
	if cfg.Pool.Workers != 4 || cfg.Pool.LeaseTimeout != "15m" {
		t.Fatalf("pool: %+v", cfg.Pool)
	}
	if cfg.Telegram == nil || cfg.Telegram.ChatID != -100123 {
		t.Fatalf("telegram: %+v", cfg.Telegram)
	}
	if cfg.Keypad != nil {
		t.Fatalf("keypad should be absent: %+v", cfg.Keypad)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML+"\nnot_a_real_section:\n  x: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: [unclosed")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadCommitsAndGetReturnsIt(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)

	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	next := &Config{}
	m.publish(next)

	select {
	case got := <-ch:
		if got != next {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"90s", 90 * time.Second, false},
		{"2m30s", 150 * time.Second, false},
		{"-5s", 0, true},
		{"banana", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseDurationField(%q) err=%v, wantErr=%v", tc.raw, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", time.Minute); err != nil || d != time.Minute {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "3s", time.Minute); err != nil || d != 3*time.Second {
		t.Errorf("ParseDurationOrDefault set = %v, %v", d, err)
	}
}
