package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionComments documents each top-level section of generated files.
var sectionComments = map[string]string{
	"logging":   "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output\n(stdout, stderr, file, or a path).",
	"server":    "Settings of the serve command.",
	"device":    "Device key files. The key file password is read from the environment\nvariable named by password_env.",
	"store":     "Local object store: badger (durable) or memory. block_cache_size is the\nnumber of clean blocks cached per workspace.",
	"remote":    "Parsec server connection.",
	"sync":      "Background synchronization. blocksize is in bytes;\nmax_entries_per_second 0 means unlimited.",
	"trust":     "Certificate cache.",
	"ballpark":  "Accepted clock skew for client and server timestamps.",
	"remanence": "Download every block of every workspace for offline use.",
	"gc":        "Garbage collection of orphan local data.",
	"metrics":   "Prometheus endpoint.",
}

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	return WriteSample(path)
}

// WriteSample writes the default configuration, with comments, to path.
func WriteSample(path string) error {
	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above each
// top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# Parsecfs Configuration File\n")
	buf.WriteString("# Environment variables (PARSECFS_<SECTION>_<KEY>) override these values.\n\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return buf.String(), nil
}
