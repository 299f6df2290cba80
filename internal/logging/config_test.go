package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"trace":    zerolog.TraceLevel,
		"error":    zerolog.ErrorLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"disabled": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level must not be accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogFormat, "json")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.JSON {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Debug().Msg("hidden")
	logger.Info().Uint32("com_id", 1000).Msg("published")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"com_id":1000`) {
		t.Fatalf("missing structured field: %s", out)
	}
}
