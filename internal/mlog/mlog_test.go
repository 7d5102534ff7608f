package mlog

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)

	SetLevel(WARN)
	Debug("dropped debug")
	Info("dropped info")
	Warn("kept warn")
	Error("kept error")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-severity lines leaked: %q", out)
	}
	if !strings.Contains(out, "kept warn") || !strings.Contains(out, "kept error") {
		t.Errorf("high-severity lines missing: %q", out)
	}
}

func TestSetVerbosity(t *testing.T) {
	buf := capture(t)

	SetVerbosity(0)
	Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("-v 0 should stay at INFO")
	}

	SetVerbosity(1)
	Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("-v should enable DEBUG")
	}
}

func TestWithFields(t *testing.T) {
	buf := capture(t)
	SetLevel(INFO)

	logf := With("job", "sid", "pid", 42)
	logf("swap %s", "done")

	out := buf.String()
	if !strings.Contains(out, "job=sid pid=42 swap done") {
		t.Errorf("field prefix missing: %q", out)
	}
}

func TestErrorlnNil(t *testing.T) {
	buf := capture(t)
	Errorln(nil)
	if buf.Len() != 0 {
		t.Errorf("Errorln(nil) should emit nothing, got %q", buf.String())
	}
}
