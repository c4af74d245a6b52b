package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

// parseParams turns repeated key=value flags into worker params. Values that
// parse as JSON keep their type; anything else is a plain string.
func parseParams(raw []string) (protocol.Params, error) {
	params := protocol.Params{}
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", kv)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(raw string) protocol.Value {
	var v protocol.Value
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return protocol.String(raw)
}
