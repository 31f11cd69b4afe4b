package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeMockTerminalSharer writes a tiny shell script that stands in for
// the real terminal-sharing subprocess in tests, ignoring its flags.
func writeMockTerminalSharer(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mock-ttyd")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("failed to write mock subprocess: %v", err)
	}
	return path
}

func TestSpawnAndExit(t *testing.T) {
	cmd := writeMockTerminalSharer(t, "exit 0")

	h, err := Spawn(context.Background(), Spec{
		Command:          cmd,
		Port:             7681,
		CredentialFilePath: "/dev/null",
		MemoryLimitBytes:  256 * 1024 * 1024,
		PidsLimit:         32,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subprocess did not exit in time")
	}

	if got := h.Status(); got != StatusExited {
		t.Errorf("Status() = %q, want %q", got, StatusExited)
	}
}

func TestTerminateStopsRunningSubprocess(t *testing.T) {
	cmd := writeMockTerminalSharer(t, "trap 'exit 0' TERM; while true; do sleep 0.1; done")

	h, err := Spawn(context.Background(), Spec{
		Command:          cmd,
		Port:             7681,
		CredentialFilePath: "/dev/null",
		MemoryLimitBytes:  256 * 1024 * 1024,
		PidsLimit:         32,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if h.Status() != StatusRunning {
		t.Fatalf("expected subprocess to be running before Terminate")
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if !h.WaitExited(2 * time.Second) {
		t.Fatal("subprocess did not exit after Terminate")
	}
}

func TestKillForcesExitAndMarksStatus(t *testing.T) {
	cmd := writeMockTerminalSharer(t, "trap '' TERM; while true; do sleep 0.1; done")

	h, err := Spawn(context.Background(), Spec{
		Command:          cmd,
		Port:             7681,
		CredentialFilePath: "/dev/null",
		MemoryLimitBytes:  256 * 1024 * 1024,
		PidsLimit:         32,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	if !h.WaitExited(2 * time.Second) {
		t.Fatal("subprocess did not exit after Kill")
	}
	if got := h.Status(); got != StatusKilled {
		t.Errorf("Status() = %q, want %q", got, StatusKilled)
	}
}

func TestWriteAndReleaseCredentialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.env")

	cf, err := WriteCredentialFile(path, map[string]string{"WORKLOAD_USER": "demo"})
	if err != nil {
		t.Fatalf("WriteCredentialFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("credential file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credential file perm = %o, want 0600", perm)
	}

	cf.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("credential file still exists after Release")
	}

	// Release must be idempotent / nil-safe.
	cf.Release()
	var nilCF *CredentialFile
	nilCF.Release()
}
