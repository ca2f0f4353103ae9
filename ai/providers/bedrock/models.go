package bedrock

import "os"

const defaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

var modelAliases = map[string]string{
	"default": defaultModel,
	"smart":   "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"fast":    "anthropic.claude-3-5-haiku-20241022-v1:0",
}

// resolveModel resolves an alias or returns the name unchanged.
// CONCLAVE_BEDROCK_MODEL overrides the default.
func resolveModel(model string) string {
	if model == "" || model == "default" {
		if env := os.Getenv("CONCLAVE_BEDROCK_MODEL"); env != "" {
			return env
		}
		return defaultModel
	}
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}
