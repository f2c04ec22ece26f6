package main

import (
	"os"
	"strconv"
	"testing"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	home := t.TempDir()

	if err := writePIDFile(home); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	pid, err := readPIDFile(home)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(home)
	if _, err := readPIDFile(home); err == nil {
		t.Fatal("expected error after pidfile removal")
	}
}

func TestReadPIDFile_RejectsGarbage(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(pidFilePath(home), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	if _, err := readPIDFile(home); err == nil {
		t.Fatal("expected error for malformed pidfile")
	}
}

func TestReadPIDFile_TrimsWhitespace(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(pidFilePath(home), []byte("  "+strconv.Itoa(4242)+"\n"), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	pid, err := readPIDFile(home)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}
}
