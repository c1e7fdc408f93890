package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := truncate(strings.Repeat("x", 50), 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q", got)
	}
}

func TestFormatAlertJSON(t *testing.T) {
	msg := formatAlertJSON([]byte(`{"level":"warn","message":"disk full","time":"t","path":"/var"}`))
	if !strings.HasPrefix(msg, "[WARN] disk full") {
		t.Fatalf("got %q", msg)
	}
	if !strings.Contains(msg, "path=/var") {
		t.Fatalf("field missing: %q", msg)
	}
	if strings.Contains(msg, "time=") {
		t.Fatalf("time should be stripped: %q", msg)
	}

	// Non-JSON falls back to the raw line.
	if got := formatAlertJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

type captureAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureAlerter) Alert(_ context.Context, msg string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureAlerter) wait(n int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestAlertSinkFiltersByLevel(t *testing.T) {
	al := &captureAlerter{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, al)
	defer svc.Close()

	log.Info("quiet info")
	log.Warn("loud warning", String("k", "v"))

	if !al.wait(1, 2*time.Second) {
		t.Fatal("warn alert never delivered")
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	for _, m := range al.msgs {
		if strings.Contains(m, "quiet info") {
			t.Fatalf("info line leaked into alerts: %q", m)
		}
	}
	if !strings.Contains(al.msgs[0], "loud warning") {
		t.Fatalf("got %q", al.msgs[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Info("does nothing")
	l.With(String("a", "b")).Error("still nothing")
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
}
