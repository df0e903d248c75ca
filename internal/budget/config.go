package budget

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentmux/agentmux/internal/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ConfigStore reads budgets.json or budgets.yaml from the agentmux
// home directory, caches the result, and reloads on file change.
type ConfigStore struct {
	mu      sync.RWMutex
	file    types.BudgetFile
	homeDir string
	watcher *fsnotify.Watcher
}

// LoadConfigStore reads the budget file; a missing file yields an
// empty configuration and every lookup falls through to defaults.
func LoadConfigStore(homeDir string) *ConfigStore {
	s := &ConfigStore{homeDir: homeDir}
	s.reload()
	return s
}

// reload parses budgets.json, then budgets.yaml. Malformed files are
// logged and replaced by the empty config.
func (s *ConfigStore) reload() {
	var file types.BudgetFile

	jsonPath := filepath.Join(s.homeDir, "budgets.json")
	yamlPath := filepath.Join(s.homeDir, "budgets.yaml")

	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, &file); err != nil {
			log.Printf("[BUDGET] Malformed %s, using defaults: %v", jsonPath, err)
			file = types.BudgetFile{}
		}
	} else if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Printf("[BUDGET] Malformed %s, using defaults: %v", yamlPath, err)
			file = types.BudgetFile{}
		}
	}

	s.mu.Lock()
	s.file = file
	s.mu.Unlock()
}

// Watch reloads the config whenever either budget file changes
func (s *ConfigStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.homeDir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if (base == "budgets.json" || base == "budgets.yaml") && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Printf("[BUDGET] Config changed, reloading %s", base)
					s.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[BUDGET] Config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher
func (s *ConfigStore) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// SetFile replaces the configuration, for tests
func (s *ConfigStore) SetFile(file types.BudgetFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = file
}

// Lookup resolves the budget for a scope id: agent first, then
// project, then global, then a safe default.
func (s *ConfigStore) Lookup(scopeID string) types.BudgetConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, ok := s.file.Agents[scopeID]; ok {
		cfg.Scope = types.ScopeAgent
		cfg.ScopeID = scopeID
		return withDefaultThreshold(cfg)
	}
	if cfg, ok := s.file.Projects[scopeID]; ok {
		cfg.Scope = types.ScopeProject
		cfg.ScopeID = scopeID
		return withDefaultThreshold(cfg)
	}
	if s.file.Global != nil {
		cfg := *s.file.Global
		cfg.Scope = types.ScopeGlobal
		cfg.ScopeID = scopeID
		return withDefaultThreshold(cfg)
	}
	return types.DefaultBudgetConfig(scopeID)
}

// AgentBudget returns the agent-scope budget if one is configured
func (s *ConfigStore) AgentBudget(agentID string) (types.BudgetConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.file.Agents[agentID]
	if ok {
		cfg.Scope = types.ScopeAgent
		cfg.ScopeID = agentID
		cfg = withDefaultThreshold(cfg)
	}
	return cfg, ok
}

// ProjectBudget returns the project-scope budget if one is configured
func (s *ConfigStore) ProjectBudget(projectPath string) (types.BudgetConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.file.Projects[projectPath]
	if ok {
		cfg.Scope = types.ScopeProject
		cfg.ScopeID = projectPath
		cfg = withDefaultThreshold(cfg)
	}
	return cfg, ok
}

// GlobalBudget returns the global budget if one is configured
func (s *ConfigStore) GlobalBudget() (types.BudgetConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file.Global == nil {
		return types.BudgetConfig{}, false
	}
	cfg := *s.file.Global
	cfg.Scope = types.ScopeGlobal
	return withDefaultThreshold(cfg), true
}

func withDefaultThreshold(cfg types.BudgetConfig) types.BudgetConfig {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = 0.8
	}
	return cfg
}
