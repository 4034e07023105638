package evaluator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPrompt reads the instruction template <dir>/<name>.prompt.
func LoadPrompt(dir, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid prompt name %q", name)
	}
	path := filepath.Join(dir, name+".prompt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", path, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt %s is empty", path)
	}
	return prompt, nil
}
