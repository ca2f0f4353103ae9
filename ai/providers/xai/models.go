package xai

import "os"

const defaultModel = "grok-2-latest"

var modelAliases = map[string]string{
	"default": defaultModel,
	"smart":   "grok-2-latest",
	"fast":    "grok-2-mini",
}

// resolveModel resolves an alias or returns the name unchanged.
// CONCLAVE_XAI_MODEL overrides the default.
func resolveModel(model string) string {
	if model == "" || model == "default" {
		if env := os.Getenv("CONCLAVE_XAI_MODEL"); env != "" {
			return env
		}
		return defaultModel
	}
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}
