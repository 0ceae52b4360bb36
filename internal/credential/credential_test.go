package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvSourceReadsVariable(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "  abc123 ")
	src := EnvSource{Name: "RELAY_TEST_KEY"}
	got, err := src.Credential(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("expected trimmed key, got %q", got)
	}
}

func TestEnvSourceMissing(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "")
	src := EnvSource{Name: "RELAY_TEST_KEY", DotenvPath: filepath.Join(t.TempDir(), "absent.env")}
	if _, err := src.Credential(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnvSourceLoadsDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RELAY_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	// Register cleanup for the variable godotenv is about to set.
	t.Setenv("RELAY_DOTENV_KEY", "")
	os.Unsetenv("RELAY_DOTENV_KEY")

	got, err := EnvSource{Name: "RELAY_DOTENV_KEY", DotenvPath: path}.Credential(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("expected key from dotenv, got %q", got)
	}
}

func TestStatic(t *testing.T) {
	if _, err := Static("").Credential(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blank static key")
	}
	got, err := Static("k").Credential(context.Background())
	if err != nil || got != "k" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
}
