package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// readFile parses a YAML or TOML config file into flattened dotted keys,
// e.g. cluster.node_id. The format is chosen by extension; anything that is
// not .toml is read as YAML.
func readFile(path string) (map[string]string, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	out := make(map[string]string)
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(prefix, k), child, out)
		}
	case map[any]any:
		for k, child := range v {
			flatten(join(prefix, fmt.Sprint(k)), child, out)
		}
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(items, ",")
	case nil:
		// empty key
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func join(prefix, key string) string {
	key = strings.ToLower(key)
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Keys returns the sorted property names understood by Load.
func Keys() []string {
	all := []setting{
		keyNodeID, keyGroupID, keyHeartbeatInterval, keyHeartbeatMaxRetry, keyEventPollInterval,
		keyMaxDBReadTime, keyDatabaseDSN, keyHTTPPort, keyCORSOrigins, keyLogLevel, keyLogFormat,
		keyLogFile,
	}
	keys := make([]string, 0, len(all))
	for _, s := range all {
		keys = append(keys, s.property)
	}
	sort.Strings(keys)
	return keys
}
