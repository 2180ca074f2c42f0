package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(&logger)

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestNewLoggerNil(t *testing.T) {
	auditLogger := NewLogger(nil)
	if auditLogger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}

	// Must be safe to use and emit nothing
	auditLogger.LogFileOp("alice", "upload", "file-1", "ok", "test.txt")
	auditLogger.LogShareChange("alice", "file-1", 2)
	auditLogger.LogQuotaEvent("alice", "denied", 1024)
}

func TestLogFileOp(t *testing.T) {
	tests := []struct {
		name      string
		actor     string
		action    string
		target    string
		result    string
		details   string
		wantLevel string
	}{
		{
			name:      "successful upload",
			actor:     "alice",
			action:    "upload",
			target:    "f6a7b1c2",
			result:    "ok",
			details:   "report.pdf",
			wantLevel: "info",
		},
		{
			name:      "denied download",
			actor:     "mallory",
			action:    "download",
			target:    "f6a7b1c2",
			result:    "denied",
			details:   "no grant",
			wantLevel: "warn",
		},
		{
			name:      "delete without details",
			actor:     "alice",
			action:    "delete",
			target:    "f6a7b1c2",
			result:    "ok",
			details:   "",
			wantLevel: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(&logger)

			auditLogger.LogFileOp(tt.actor, tt.action, tt.target, tt.result, tt.details)

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid JSON log entry: %v", err)
			}

			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if entry["event_type"] != "file_operation" {
				t.Errorf("event_type = %v, want file_operation", entry["event_type"])
			}
			if entry["actor"] != tt.actor {
				t.Errorf("actor = %v, want %v", entry["actor"], tt.actor)
			}
			if entry["action"] != tt.action {
				t.Errorf("action = %v, want %v", entry["action"], tt.action)
			}
			if entry["result"] != tt.result {
				t.Errorf("result = %v, want %v", entry["result"], tt.result)
			}
			if tt.details == "" {
				if _, ok := entry["details"]; ok {
					t.Error("details field present for empty details")
				}
			} else if entry["details"] != tt.details {
				t.Errorf("details = %v, want %v", entry["details"], tt.details)
			}
		})
	}
}

func TestLogShareChange(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(&logger)

	auditLogger.LogShareChange("alice", "f6a7b1c2", 3)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log entry: %v", err)
	}

	if entry["event_type"] != "share_change" {
		t.Errorf("event_type = %v, want share_change", entry["event_type"])
	}
	if entry["grantees"] != float64(3) {
		t.Errorf("grantees = %v, want 3", entry["grantees"])
	}
}

func TestLogQuotaEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(&logger)

	auditLogger.LogQuotaEvent("alice", "denied", 4096)

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("denied quota event should log at warn: %s", out)
	}
	if !strings.Contains(out, `"requested_bytes":4096`) {
		t.Errorf("missing requested_bytes: %s", out)
	}
}
