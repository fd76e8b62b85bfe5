package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) string {
	t.Helper()
	configDir, verbosity = "", 0
	runN, runNoTrace, runForce, runTop = 100, false, false, 5
	disasmTraces, disasmList = false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("metavm %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func configDirWith(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metavm.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunTracesSample(t *testing.T) {
	dir := configDirWith(t, `
[profile]
backend = "memory"
`)
	out := execute(t, "run", "sum", "-n", "10", "--config", dir)
	if !strings.Contains(out, "sum(10) = 45") {
		t.Errorf("missing result:\n%s", out)
	}
	if !strings.Contains(out, "1 traces") {
		t.Errorf("expected one installed trace:\n%s", out)
	}
}

func TestRunBaselineOnly(t *testing.T) {
	dir := configDirWith(t, "")
	out := execute(t, "run", "nested", "-n", "6", "--no-trace", "--config", dir)
	if !strings.Contains(out, "nested(6) = 20") {
		t.Errorf("missing result:\n%s", out)
	}
	if strings.Contains(out, "profiler:") {
		t.Errorf("baseline run reported profiler statistics:\n%s", out)
	}
}

func TestRunReportsUncaughtException(t *testing.T) {
	dir := configDirWith(t, `
[profile]
backend = "memory"
`)
	out := execute(t, "run", "div", "-n", "10", "--config", dir)
	if !strings.Contains(out, "uncaught") {
		t.Errorf("expected an uncaught exception:\n%s", out)
	}
}

func TestAnchorsListsPersistedProfile(t *testing.T) {
	dir := configDirWith(t, `
[profile]
backend = "sqlite"
path = "profile.db"
`)
	execute(t, "run", "sum", "-n", "10", "--config", dir)
	out := execute(t, "anchors", "--config", dir)
	if !strings.Contains(out, "sum(int)int@4") {
		t.Errorf("anchor missing from store:\n%s", out)
	}
}

func TestDisasm(t *testing.T) {
	dir := configDirWith(t, `
[profile]
backend = "memory"
`)
	out := execute(t, "disasm", "--list", "--config", dir)
	for _, name := range []string{"sum", "nested", "calls"} {
		if !strings.Contains(out, name) {
			t.Errorf("sample %s not listed:\n%s", name, out)
		}
	}

	out = execute(t, "disasm", "calls", "--traces", "-n", "10", "--config", dir)
	if !strings.Contains(out, "square") {
		t.Errorf("callee not disassembled:\n%s", out)
	}
	if !strings.Contains(out, "trace 1 at") {
		t.Errorf("no trace listing:\n%s", out)
	}
}
