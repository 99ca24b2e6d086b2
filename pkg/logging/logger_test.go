package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("streamxr")

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["service"] != "streamxr" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
}
