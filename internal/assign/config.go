package assign

import (
	"log"
	"os"
	"path/filepath"

	"github.com/agentmux/agentmux/internal/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const configFileName = "auto-assign.yaml"

// LoadConfig reads <projectPath>/.agentmux/auto-assign.yaml. A missing
// or malformed file yields the disabled defaults.
func LoadConfig(projectPath string) types.AutoAssignConfig {
	path := filepath.Join(projectPath, types.AgentmuxHomeDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return types.DefaultAutoAssignConfig()
	}

	cfg := types.DefaultAutoAssignConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("[ASSIGN] Malformed %s, auto-assign disabled: %v", path, err)
		return types.DefaultAutoAssignConfig()
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[ASSIGN] Invalid %s, auto-assign disabled: %v", path, err)
		return types.DefaultAutoAssignConfig()
	}
	return cfg
}

// ConfigWatcher reloads a project's auto-assign config on file change
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
}

// WatchConfig invokes onChange with the freshly loaded config whenever
// the project's auto-assign.yaml is written or created.
func WatchConfig(projectPath string, onChange func(types.AutoAssignConfig)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(projectPath, types.AgentmuxHomeDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == configFileName && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Printf("[ASSIGN] Reloading auto-assign config for %s", projectPath)
					onChange(LoadConfig(projectPath))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ASSIGN] Config watcher error: %v", err)
			}
		}
	}()

	return &ConfigWatcher{watcher: watcher}, nil
}

// Close stops the watcher
func (w *ConfigWatcher) Close() {
	w.watcher.Close()
}
