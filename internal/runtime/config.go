package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/types"
)

// Config loads runtime-config.json and init scripts from the project's
// config directory. Missing files default with a warning; the system
// keeps running.
type Config struct {
	mu        sync.RWMutex
	entries   map[types.RuntimeKind]types.RuntimeEntry
	overrides map[types.RuntimeKind]string // runtimeCommands settings
	configDir string
}

// LoadConfig reads <projectRoot>/config/runtime-config.json
func LoadConfig(projectRoot string) (*Config, error) {
	configDir := filepath.Join(projectRoot, "config")
	c := &Config{
		entries:   make(map[types.RuntimeKind]types.RuntimeEntry),
		overrides: make(map[types.RuntimeKind]string),
		configDir: configDir,
	}

	data, err := os.ReadFile(filepath.Join(configDir, "runtime-config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read runtime config: %w", err)
	}

	var file types.RuntimeConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	for kind, entry := range file.Runtimes {
		c.entries[kind] = entry
	}
	return c, nil
}

// NewConfigForTest builds a config backed by a directory, for tests
func NewConfigForTest(configDir string) *Config {
	return &Config{
		entries:   make(map[types.RuntimeKind]types.RuntimeEntry),
		overrides: make(map[types.RuntimeKind]string),
		configDir: configDir,
	}
}

// Entry returns the configured entry for a kind
func (c *Config) Entry(kind types.RuntimeKind) (types.RuntimeEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kind]
	return e, ok
}

// SetEntry stores an entry, for tests and dynamic registration
func (c *Config) SetEntry(kind types.RuntimeKind, entry types.RuntimeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kind] = entry
}

// SetCommandOverride installs a runtimeCommands override for a kind
func (c *Config) SetCommandOverride(kind types.RuntimeKind, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[kind] = command
}

// CommandOverride returns the override command, or empty
func (c *Config) CommandOverride(kind types.RuntimeKind) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overrides[kind]
}

// InitScriptLines loads the kind's init script and returns its
// non-blank, non-comment lines.
func (c *Config) InitScriptLines(kind types.RuntimeKind) ([]string, error) {
	c.mu.RLock()
	entry, ok := c.entries[kind]
	configDir := c.configDir
	c.mu.RUnlock()

	if !ok || entry.InitScript == "" {
		return nil, fmt.Errorf("no init script configured for %s", kind)
	}

	data, err := os.ReadFile(filepath.Join(configDir, "runtime_scripts", entry.InitScript))
	if err != nil {
		return nil, fmt.Errorf("failed to read init script for %s: %w", kind, err)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines, nil
}
