package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const authTokenFileName = "auth.token"

// loadAuthToken resolves the worker bearer secret: an explicit config.yaml
// value wins, then SCHEDULERD_AUTH_TOKEN, then a token persisted at
// homeDir/auth.token from a previous run, else a freshly generated one
// persisted for next time.
func loadAuthToken(homeDir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if v := os.Getenv("SCHEDULERD_AUTH_TOKEN"); v != "" {
		return v, nil
	}

	path := filepath.Join(homeDir, authTokenFileName)
	if data, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("auth: read %s: %w", path, err)
	}

	tok := uuid.NewString()
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return "", fmt.Errorf("auth: persist %s: %w", path, err)
	}
	return tok, nil
}
