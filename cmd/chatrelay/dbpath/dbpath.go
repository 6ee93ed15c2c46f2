// Package dbpath resolves which SQLite database a command operates on.
package dbpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvDBPath overrides the default database location.
	EnvDBPath = "CHATRELAY_DB"

	fileName = "chatrelay.db"
	dirName  = ".chatrelay"
)

// Resolve returns the database path, in order of preference: the explicit
// flag value, $CHATRELAY_DB, ./chatrelay.db when it exists, and finally
// ~/.chatrelay/chatrelay.db (its directory is created).
func Resolve(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	if env := os.Getenv(EnvDBPath); env != "" {
		return env, nil
	}

	if _, err := os.Stat(fileName); err == nil {
		return fileName, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("could not stat %s: %w", fileName, err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}

	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}

	return filepath.Join(dir, fileName), nil
}
