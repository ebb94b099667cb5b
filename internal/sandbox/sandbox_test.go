package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
)

func TestExpand(t *testing.T) {
	got := expand([]string{"gcc", "{source}", "-o", "{dir}/main"}, "main.c", "/w", Limits{})
	want := []string{"gcc", "main.c", "-o", "/w/main"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expand = %v, want %v", got, want)
	}

	got = expand([]string{"node", "--max-old-space-size={memory_mb}", "{source}"}, "main.js", "/w", Limits{MemoryBytes: 256 << 20})
	want = []string{"node", "--max-old-space-size=256", "main.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expand = %v, want %v", got, want)
	}
}

func TestWriteSource(t *testing.T) {
	dir := t.TempDir()
	cfg := RunConfig{Workdir: dir, SourceFile: "main.py", SourceCode: "print(1)\n"}
	if err := writeSource(cfg); err != nil {
		t.Fatalf("writeSource: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print(1)\n" {
		t.Errorf("source = %q", data)
	}
}

func TestWriteSourceRejectsEscapingNames(t *testing.T) {
	for _, name := range []string{"", "../x.py", "a/b.py"} {
		cfg := RunConfig{Workdir: t.TempDir(), SourceFile: name}
		if err := writeSource(cfg); err == nil {
			t.Errorf("writeSource(%q) succeeded", name)
		}
	}
}

func TestSignalFromExitCode(t *testing.T) {
	tests := map[int]syscall.Signal{
		0:   0,
		1:   0,
		128: 0,
		137: syscall.SIGKILL,
		152: syscall.SIGXCPU,
		255: 0,
	}
	for code, want := range tests {
		if got := signalFromExitCode(code); got != want {
			t.Errorf("signalFromExitCode(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestStepSucceeded(t *testing.T) {
	if !(&StepResult{}).Succeeded() {
		t.Error("zero exit should succeed")
	}
	for _, s := range []StepResult{
		{ExitCode: 1},
		{TimedOut: true},
		{OOMKilled: true},
		{SetupFailed: true},
		{Signal: syscall.SIGSEGV},
	} {
		if s.Succeeded() {
			t.Errorf("%+v reported success", s)
		}
	}
}

func TestNewUnknownDriver(t *testing.T) {
	logger := zerolog.Nop()
	_, err := New(Options{Driver: "vm"}, &logger)
	if !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("New(vm) error = %v, want ErrUnknownDriver", err)
	}
}
