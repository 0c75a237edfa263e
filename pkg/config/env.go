package config

import (
	"os"
	"strings"
)

// FromEnv collects every recognized key that is set and non-empty in the
// process environment into a Layer. Values are not parsed here; the resolver
// reports a ConfigError for the specific key if parsing fails.
func FromEnv() Layer {
	out := Layer{}
	for _, k := range Keys() {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			out[k] = v
		}
	}
	return out
}

// ParseOverrides turns repeated KEY=VALUE CLI arguments into a Layer.
// Malformed entries (no '=') surface as a ConfigError so a typo fails the
// run instead of silently vanishing.
func ParseOverrides(kvs []string) (Layer, error) {
	out := Layer{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &ConfigError{Field: kv, Reason: "override must be KEY=VALUE"}
		}
		out[strings.ToUpper(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
