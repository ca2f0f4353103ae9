package gemini

import "os"

const defaultModel = "gemini-1.5-pro"

var modelAliases = map[string]string{
	"default": defaultModel,
	"smart":   "gemini-1.5-pro",
	"fast":    "gemini-1.5-flash",
}

// resolveModel resolves an alias or returns the name unchanged.
// CONCLAVE_GEMINI_MODEL overrides the default.
func resolveModel(model string) string {
	if model == "" || model == "default" {
		if env := os.Getenv("CONCLAVE_GEMINI_MODEL"); env != "" {
			return env
		}
		return defaultModel
	}
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}
