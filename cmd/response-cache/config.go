package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/pelletier/go-toml/v2"
)

// TOML is a kong.ConfigurationLoader for TOML files. Top level keys set
// global flags; a table named after a command sets that command's flags:
//
//	root = "/var/cache/response-cache"
//	max_size = "50MiB"
//
//	[serve]
//	address = ":9090"
//
// Keys may use dashes or underscores.
func TOML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := toml.NewDecoder(r).Decode(&values); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	var f kong.ResolverFunc = func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if parent != nil && parent.Command != nil {
			if table, ok := values[parent.Command.Name].(map[string]any); ok {
				if v, ok := lookupKey(table, flag.Name); ok {
					return flagValue(v), nil
				}
			}
		}
		if v, ok := lookupKey(values, flag.Name); ok {
			return flagValue(v), nil
		}
		return nil, nil
	}
	return f, nil
}

func lookupKey(values map[string]any, name string) (any, bool) {
	if v, ok := values[name]; ok {
		return v, true
	}
	v, ok := values[strings.ReplaceAll(name, "-", "_")]
	return v, ok
}

// flagValue renders a TOML value the way it would be typed on the command
// line so kong's mappers can parse it.
func flagValue(v any) any {
	switch v := v.(type) {
	case string, bool:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
