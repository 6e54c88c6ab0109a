package openai

import (
	"os"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
)

type factory struct{}

func (factory) Name() string  { return "openai" }
func (factory) Priority() int { return 100 }

// DetectEnvironment recognizes the standard OpenAI variables plus the
// compatible-server variants that reuse this client
func (factory) DetectEnvironment() (map[string]interface{}, bool) {
	settings := make(map[string]interface{})
	if !providers.EnvSetting(settings, "api_key", "OPENAI_API_KEY", "GROQ_API_KEY", "DEEPSEEK_API_KEY") {
		return nil, false
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		settings["base_url"] = v
	} else if os.Getenv("GROQ_API_KEY") != "" {
		settings["base_url"] = "https://api.groq.com/openai/v1"
	} else if os.Getenv("DEEPSEEK_API_KEY") != "" {
		settings["base_url"] = "https://api.deepseek.com/v1"
	}
	return settings, true
}

func (factory) Create(id string, logger core.Logger) provider.Provider {
	return NewClient(id, logger)
}

func init() {
	if err := providers.RegisterFactory(factory{}); err != nil {
		panic("openai factory registration: " + err.Error())
	}
}
