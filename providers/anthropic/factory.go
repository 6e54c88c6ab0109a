package anthropic

import (
	"os"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
)

type factory struct{}

func (factory) Name() string  { return "anthropic" }
func (factory) Priority() int { return 90 }

func (factory) DetectEnvironment() (map[string]interface{}, bool) {
	settings := make(map[string]interface{})
	if !providers.EnvSetting(settings, "api_key", "ANTHROPIC_API_KEY") {
		return nil, false
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		settings["base_url"] = v
	}
	return settings, true
}

func (factory) Create(id string, logger core.Logger) provider.Provider {
	return NewClient(id, logger)
}

func init() {
	if err := providers.RegisterFactory(factory{}); err != nil {
		panic("anthropic factory registration: " + err.Error())
	}
}
