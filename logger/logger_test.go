package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "bookflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	log.WithComponent("file_test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line not written: %s", data)
	}
}

type pairName string

func (p pairName) String() string { return string(p) }

func TestWithPair(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("reconciler").WithPair(pairName("BTC_USDC"))
	if v := entry.Entry.Data["pair"]; v != "BTC_USDC" {
		t.Fatalf("pair field not set: %v", entry.Entry.Data)
	}
	if v := log.WithPair(pairName("ETH_BTC")).Entry.Data["pair"]; v != "ETH_BTC" {
		t.Fatalf("pair field not set on log: %v", v)
	}
}

func TestConfigureKeepsSettingsOnError(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level changed by a failed Configure: %s", log.GetLevel())
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("fields_test").WithError(errors.New("boom")).Error("failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "error"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
}

func TestComponentCounts(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("counter_test").Warn("first")
	log.WithComponent("counter_test").Warn("second")
	log.WithComponent("counter_test").Error("third")

	got := ComponentCounts()["counter_test"]
	if got.Warns != 2 || got.Errors != 1 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}
