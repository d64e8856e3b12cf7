package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesync.log")
	log, flush := New(Options{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1})

	log.Infow("sync finished", "configId", "cfg-1")
	flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "sync finished") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestNewWithoutFileStillLogs(t *testing.T) {
	log, flush := New(Options{Level: "debug"})
	defer flush()
	log.Debugw("console only")
}

func TestBadLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesync.log")
	log, flush := New(Options{Level: "loud", File: path, MaxSizeMB: 1, MaxBackups: 1})

	log.Debugw("should be filtered")
	log.Infow("should appear")
	flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "should be filtered") {
		t.Fatalf("debug line leaked at info level")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Fatalf("info line missing")
	}
}
