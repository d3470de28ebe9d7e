package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from .env files without overriding variables
// already present in the process environment. Files are tried in order: the
// explicit paths, the directory of configPath, then the working directory.
// Missing files are skipped.
func LoadDotEnv(configPath string, paths ...string) ([]string, error) {
	candidates := append([]string{}, paths...)
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(abs), ".env"))
		}
	}
	candidates = append(candidates, ".env")

	var loaded []string
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if _, err := os.Stat(abs); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return loaded, fmt.Errorf("load %s: %w", abs, err)
		}
		loaded = append(loaded, abs)
	}
	return loaded, nil
}
