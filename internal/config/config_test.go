package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("whatsapp:\n  token: ${OPENTUTOR_TEST_TOKEN}\n"), 0600)
	os.Setenv("OPENTUTOR_TEST_TOKEN", "secret123")
	defer os.Unsetenv("OPENTUTOR_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WhatsApp.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.WhatsApp.Token, "secret123")
	}
}

func TestLoad_KeepsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("ollama:\n  model: mistral\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Ollama.Model != "mistral" {
		t.Errorf("model = %q, want %q", cfg.Ollama.Model, "mistral")
	}
	if cfg.Ollama.BaseURL != "http://127.0.0.1:11434" {
		t.Errorf("base_url = %q, want default preserved", cfg.Ollama.BaseURL)
	}
	if cfg.Tutor.SummaryEveryNMessages != 8 {
		t.Errorf("summary_every_n_messages = %d, want default 8", cfg.Tutor.SummaryEveryNMessages)
	}
	if cfg.Limits.MaxMessagesPerWindow != 20 {
		t.Errorf("max_messages_per_window = %d, want default 20", cfg.Limits.MaxMessagesPerWindow)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  debug  ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, info); got.Value.Any() != any(slog.LevelInfo) {
		t.Errorf("info level altered: %v", got.Value)
	}
}
