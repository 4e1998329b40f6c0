package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	CloseAll()
	l := Get(CategoryChat)
	// Must not panic and must not write anywhere.
	l.Info("dropped")
	l.Error("dropped")
}

func TestInitializeAndWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(dir, "debug"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Chat("session %s created", "abc123")
	ChatDebug("detail %d", 42)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var chatLog string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_chat.log") {
			chatLog = filepath.Join(dir, e.Name())
		}
	}
	if chatLog == "" {
		t.Fatalf("no chat log file created in %s", dir)
	}
	data, err := os.ReadFile(chatLog)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "session abc123 created") {
		t.Errorf("log file missing info entry: %s", data)
	}
	if !strings.Contains(string(data), "[DEBUG] detail 42") {
		t.Errorf("log file missing debug entry: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(dir, "warn"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	l := Get(CategoryStore)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "_store.log") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if strings.Contains(string(data), "hidden") {
			t.Errorf("level filter leaked suppressed entries: %s", data)
		}
		if !strings.Contains(string(data), "[WARN] shown") {
			t.Errorf("warn entry missing: %s", data)
		}
		return
	}
	t.Fatal("store log file not created")
}

func TestTimerLogsDuration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(dir, "debug"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	timer := StartTimer(CategoryStore, "write batch")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration: %v", d)
	}
}
