package anthropic

import "os"

const defaultModel = "claude-3-5-sonnet-20241022"

var modelAliases = map[string]string{
	"default": defaultModel,
	"smart":   "claude-3-5-sonnet-20241022",
	"fast":    "claude-3-5-haiku-20241022",
}

// resolveModel resolves an alias or returns the name unchanged.
// CONCLAVE_ANTHROPIC_MODEL overrides the default.
func resolveModel(model string) string {
	if model == "" || model == "default" {
		if env := os.Getenv("CONCLAVE_ANTHROPIC_MODEL"); env != "" {
			return env
		}
		return defaultModel
	}
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}
