package config

import (
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// envObject turns KEY=value pairs into a cty object for the env variable.
// Names that are not valid HCL identifiers have the offending characters
// replaced with underscores, so HUB.KEY is read as env.HUB_KEY.
func envObject(environ []string) cty.Value {
	vars := make(map[string]cty.Value, len(environ))

	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		vars[envName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(vars)
}

func envName(key string) string {
	if key == "" {
		return "_"
	}

	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case i > 0 && (r == '-' || (r >= '0' && r <= '9')):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
