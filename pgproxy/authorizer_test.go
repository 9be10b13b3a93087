package pgproxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_ScriptAuthorizer_authorizesOnExitZero(t *testing.T) {
	a := &ScriptAuthorizer{Path: "true"}
	ok := a.Authorize(context.Background(), "127.0.0.1", "alice", "billing")
	if !ok {
		t.Fatal("expected authorization to succeed for a script exiting 0")
	}
}

func Test_ScriptAuthorizer_deniesOnNonZeroExit(t *testing.T) {
	a := &ScriptAuthorizer{Path: "false"}
	ok := a.Authorize(context.Background(), "127.0.0.1", "alice", "billing")
	if ok {
		t.Fatal("expected authorization to fail for a script exiting non-zero")
	}
}

func Test_ScriptAuthorizer_deniesOnMissingProgram(t *testing.T) {
	a := &ScriptAuthorizer{Path: "/nonexistent/program/does/not/exist"}
	ok := a.Authorize(context.Background(), "127.0.0.1", "alice", "billing")
	if ok {
		t.Fatal("expected authorization to fail when the program cannot be started")
	}
}

func Test_ScriptAuthorizer_respectsContextTimeout(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "slow-auth.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o700); err != nil {
		t.Fatalf("could not write fixture script: %s", err)
	}

	a := &ScriptAuthorizer{Path: script}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok := a.Authorize(ctx, "127.0.0.1", "alice", "billing")
	if ok {
		t.Fatal("expected a killed-by-context authorization to deny")
	}
}
