package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestProcessManagerStartStop(t *testing.T) {
	// cat blocks on stdin, so closing stdin during Stop is what ends it.
	pm := NewProcessManager(ProcessConfig{Argv: []string{"cat"}}, nil)

	if err := pm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !pm.IsRunning() {
		t.Fatal("expected process to be running after start")
	}

	if err := pm.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if pm.IsRunning() {
		t.Fatal("expected process to be stopped")
	}

	// Second stop is a no-op.
	if err := pm.Stop(time.Second); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestProcessManagerRequiresCommand(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{}, nil)
	if err := pm.Start(context.Background()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestProcessManagerUnknownCommand(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Argv: []string{"definitely-not-a-real-binary-xyz"}}, nil)
	if err := pm.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestProcessManagerWriteAfterStop(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Argv: []string{"cat"}}, nil)
	if err := pm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := pm.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := pm.Write([]byte("late\n")); err == nil {
		t.Fatal("expected write after stop to fail")
	}
}

func TestProcessManagerInheritsEnvironmentWithOverrides(t *testing.T) {
	// If PATH were not inherited, /usr/bin/env could not locate sh and the
	// script would exit non-zero.
	script := writeScript(t, `[ "$MCP_TEST_VAR" = "set" ] || exit 3`+"\nexit 0\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pm := NewProcessManager(ProcessConfig{
		Argv: []string{script},
		Env:  map[string]string{"MCP_TEST_VAR": "set"},
	}, nil)
	if err := pm.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case err := <-pm.waitDone:
		if err != nil {
			t.Fatalf("expected script to exit 0, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestProcessManagerDetectsExit(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	pm := NewProcessManager(ProcessConfig{Argv: []string{script}}, nil)
	if err := pm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pm.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("process never observed as exited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
