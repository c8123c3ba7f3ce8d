package main

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/obot-platform/rdbcoord/internal/config"
)

// properties collects repeated -D key=value flags.
type properties map[string]string

func (p properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+p[k])
	}
	return strings.Join(pairs, ",")
}

func (p properties) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	key = strings.ToLower(key)
	if !slices.Contains(config.Keys(), key) {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(config.Keys(), ", "))
	}
	p[key] = strings.TrimSpace(value)
	return nil
}
