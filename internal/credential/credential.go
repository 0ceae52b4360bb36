// Package credential resolves the bearer token for the transcription service.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrNotFound means the configured variable is unset or blank.
var ErrNotFound = errors.New("credential not found")

// EnvSource reads the token from an environment variable, optionally seeded
// from a dotenv file. Variables already set in the process take precedence
// over the file.
type EnvSource struct {
	Name       string
	DotenvPath string
}

func (s EnvSource) Credential(_ context.Context) (string, error) {
	if s.Name == "" {
		return "", fmt.Errorf("%w: no variable name configured", ErrNotFound)
	}
	if s.DotenvPath != "" {
		if err := godotenv.Load(s.DotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("load %s: %w", s.DotenvPath, err)
		}
	}
	value, ok := os.LookupEnv(s.Name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNotFound, s.Name)
	}
	return strings.TrimSpace(value), nil
}

// Static returns a fixed token. Used by the CLI when a key is passed directly.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNotFound
	}
	return string(s), nil
}
