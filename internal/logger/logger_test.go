package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestNewWritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Output: &buf})

	log.Component("store").Info().Str("session_id", "s1").Msg("saved")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["service"] != "draftdesk" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
	if entry["component"] != "store" {
		t.Fatalf("expected component=store, got %v", entry["component"])
	}
	if entry["message"] != "saved" {
		t.Fatalf("expected message=saved, got %v", entry["message"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info().Msg("hidden")
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn output")
	}
}

func TestLogRequestFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf})

	log.LogRequest("req-1", "GET", "/api/sessions", 200, 15*time.Millisecond)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["path"] != "/api/sessions" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["status"].(float64) != 200 {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
}
