package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"chatrelay/internal/auth"
)

func TestRun_PrintsToken(t *testing.T) {
	t.Setenv("CHATRELAY_AUTH_JWT_SECRET", "cli-secret")
	t.Setenv("CHATRELAY_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))

	var out bytes.Buffer
	err := run([]string{"-env-file", filepath.Join(t.TempDir(), "none.env"), "-token-for", "alice", "-token-ttl", "1h"}, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	verifier, err := auth.NewJWTVerifier("cli-secret", "", 0)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	userID, err := verifier.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "alice" {
		t.Errorf("token subject = %q, want alice", userID)
	}
}

func TestRun_InvalidConfiguration(t *testing.T) {
	t.Setenv("CHATRELAY_AUTH_JWT_SECRET", "")

	err := run([]string{"-env-file", filepath.Join(t.TempDir(), "none.env")}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("run() error = %v, want missing jwt_secret", err)
	}
}

func TestRun_BadFlag(t *testing.T) {
	if err := run([]string{"-token-ttl", "soon"}, &bytes.Buffer{}); err == nil {
		t.Error("expected flag parse error")
	}
}
