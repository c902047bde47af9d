package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}

	got, err := Load(Source{Name: "api key", File: path, Value: "inline", Env: "UNUSED"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "file-secret" {
		t.Fatalf("expected file secret to win, got %q", got)
	}
}

func TestLoadFromValue(t *testing.T) {
	got, err := Load(Source{Name: "api key", Value: " inline "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "inline" {
		t.Fatalf("unexpected secret: %q", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VOLUNTEER_TEST_KEY", " env-secret ")

	got, err := Load(Source{Name: "api key", Env: "VOLUNTEER_TEST_KEY"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "env-secret" {
		t.Fatalf("unexpected secret: %q", got)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Setenv("VOLUNTEER_TEST_KEY", "")

	_, err := Load(Source{Name: "api key", Env: "VOLUNTEER_TEST_KEY"})
	if err == nil {
		t.Fatal("expected error for empty environment variable")
	}
	if !strings.Contains(err.Error(), "VOLUNTEER_TEST_KEY") {
		t.Fatalf("expected error to name the variable, got: %v", err)
	}

	if _, err := Load(Source{Name: "api key"}); err == nil {
		t.Fatal("expected error when no source is configured")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}

	if _, err := Load(Source{Name: "api key", File: path}); err == nil {
		t.Fatal("expected error for empty secret file")
	}
}
