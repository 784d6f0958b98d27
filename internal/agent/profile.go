package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// personaFiles are read in order and joined into the persona text.
var personaFiles = []string{"SOUL.md", "Agent.md", "GOALS.md"}

// LoadPersona reads the persona files in dir and returns their joined
// content. Missing files are skipped; an empty result means the default
// persona applies. A dir that does not exist is an error.
func LoadPersona(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("persona dir: %w", err)
	}
	var parts []string
	for _, f := range personaFiles {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read persona %s: %w", f, err)
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}
