package bedrock

import (
	"os"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
)

type factory struct{}

func (factory) Name() string  { return "bedrock" }
func (factory) Priority() int { return 80 }

// DetectEnvironment requires an explicit region plus either static
// keys or the opt-in flag for role-based credentials
func (factory) DetectEnvironment() (map[string]interface{}, bool) {
	settings := make(map[string]interface{})
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		return nil, false
	}
	settings["region"] = region

	hasKeys := providers.EnvSetting(settings, "access_key_id", "AWS_ACCESS_KEY_ID")
	if hasKeys {
		providers.EnvSetting(settings, "secret_access_key", "AWS_SECRET_ACCESS_KEY")
	}
	if !hasKeys && os.Getenv("MODELGATE_BEDROCK_ENABLED") == "" {
		return nil, false
	}
	return settings, true
}

func (factory) Create(id string, logger core.Logger) provider.Provider {
	return NewClient(id, logger)
}

func init() {
	if err := providers.RegisterFactory(factory{}); err != nil {
		panic("bedrock factory registration: " + err.Error())
	}
}
