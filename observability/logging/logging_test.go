package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupWithOptionsRenamesAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("escrowd", "test", Options{Output: &buf, Level: "debug"})
	logger.Debug("coordinator started",
		slog.String("masterSecret", "hunter2"),
		slog.String("dealId", "0xabc"),
		MaskField("jwtKey", "k"))

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["message"] != "coordinator started" || entry["severity"] != "DEBUG" {
		t.Fatalf("unexpected envelope: %v", entry)
	}
	if entry["service"] != "escrowd" || entry["env"] != "test" {
		t.Fatalf("missing service attributes: %v", entry)
	}
	if entry["masterSecret"] != RedactedValue || entry["jwtKey"] != RedactedValue {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["dealId"] != "0xabc" {
		t.Fatalf("non-sensitive field altered: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"master_secret", "privateKey", "authToken", "webhookSecret"} {
		if !IsSensitive(key) {
			t.Fatalf("%s should be sensitive", key)
		}
	}
	for _, key := range []string{"service", "dealId", "error"} {
		if IsSensitive(key) {
			t.Fatalf("%s should not be sensitive", key)
		}
	}
}
