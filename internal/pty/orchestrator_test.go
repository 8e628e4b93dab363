package pty

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocateNativeBinaryExpandsWorkspace(t *testing.T) {
	dir := t.TempDir()
	binDir := filepath.Join(dir, "relay-pty", "target", "release")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	binPath := filepath.Join(binDir, "relay-pty")
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	found, err := LocateNativeBinary(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != binPath {
		t.Fatalf("expected %q, got %q", binPath, found)
	}
}

func TestLocateNativeBinaryNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := LocateNativeBinary(dir); err == nil {
		t.Fatalf("expected error when no binary is present")
	}
}

func TestBuildInjectionStringBasic(t *testing.T) {
	msg := inboundMessage{ID: "abcdefgh12345", From: "alice", Body: "hello there"}
	got := buildInjectionString(msg)
	want := "Relay message from alice [abcdefgh]: hello there"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildInjectionStringWithThreadAndChannel(t *testing.T) {
	msg := inboundMessage{
		ID:         "short",
		From:       "alice",
		Body:       "status",
		Thread:     "t1",
		OriginalTo: "#general",
	}
	got := buildInjectionString(msg)
	want := "Relay message from alice [short][thread:t1][#general]: status"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildInjectionStringCriticalImportance(t *testing.T) {
	msg := inboundMessage{ID: "short", From: "alice", Body: "fire", Importance: "critical"}
	got := buildInjectionString(msg)
	want := "Relay message from alice [short][!!]: fire"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildInjectionStringDashboardSenderNameSubstitution(t *testing.T) {
	msg := inboundMessage{ID: "short", From: "_DashboardUI", SenderName: "human", Body: "hi"}
	got := buildInjectionString(msg)
	want := "Relay message from human [short]: hi"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
