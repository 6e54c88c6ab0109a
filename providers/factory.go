package providers

import (
	"os"
	"sort"
	"sync"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
)

// Factory creates one kind of provider and knows how to detect its
// credentials in the environment. Bootstrap iterates detected
// factories in priority order and registers what it finds.
type Factory interface {
	// Name is the factory's provider type (openai, anthropic, ...)
	Name() string

	// Priority ranks detected factories; higher wins ties during
	// default-provider selection
	Priority() int

	// DetectEnvironment returns provider settings discovered from the
	// process environment, or false when the provider is unavailable
	DetectEnvironment() (map[string]interface{}, bool)

	// Create instantiates an uninitialized provider
	Create(id string, logger core.Logger) provider.Provider
}

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory adds a factory under its name. Called from provider
// package init functions.
func RegisterFactory(f Factory) error {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[f.Name()]; exists {
		return core.ErrAlreadyRegistered
	}
	factories[f.Name()] = f
	return nil
}

// GetFactory looks a factory up by name
func GetFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// DetectAvailable returns factories whose environment detection
// succeeded, ordered by priority descending then name.
func DetectAvailable() []Factory {
	factoryMu.RLock()
	all := make([]Factory, 0, len(factories))
	for _, f := range factories {
		all = append(all, f)
	}
	factoryMu.RUnlock()

	out := all[:0]
	for _, f := range all {
		if _, ok := f.DetectEnvironment(); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// EnvSetting reads the first non-empty environment variable into a
// settings key
func EnvSetting(settings map[string]interface{}, key string, envVars ...string) bool {
	for _, ev := range envVars {
		if v := os.Getenv(ev); v != "" {
			settings[key] = v
			return true
		}
	}
	return false
}
