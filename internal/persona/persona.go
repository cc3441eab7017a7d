// Package persona resolves the system identity line used in answer
// synthesis. Deployments can replace the default by dropping a
// PERSONA.md next to the binary or in any parent directory.
package persona

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "PERSONA.md"
	Default  = "You are a search assistant that writes grounded, well-cited answers."
)

// Resolve returns the persona to use for synthesis: the on-disk override
// when present, the default otherwise.
func Resolve() string {
	persona, err := ReadFromDisk()
	if err != nil || persona == "" {
		return Default
	}
	return persona
}

func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path, err := findInParents(cwd, FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
