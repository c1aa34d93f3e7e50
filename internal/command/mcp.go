package command

import (
	"encoding/json"
	"fmt"
	"os"
)

// describeMCPFile reads mcp-servers.json and renders its server names for
// the no-argument `mcp` command.
func describeMCPFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var cfg struct {
		Servers map[string]json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return "no external tool servers configured", nil
	}
	out := "configured tool servers:"
	for name := range cfg.Servers {
		out += "\n- " + name
	}
	return out, nil
}

// validateMCPFile re-reads and parses mcp-servers.json, standing in for a
// reload of the external tool-server configuration.
func validateMCPFile(path string) error {
	_, err := describeMCPFile(path)
	return err
}
