package configimport

import (
	"encoding/json"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// DetectFormat identifies the source dialect from raw content. TOML is tried
// first because valid TOML is rarely valid JSON, then JSON with comment
// tolerance. Content that parses as neither, or parses but lacks the
// identifying server table, is a parse error.
func DetectFormat(content []byte) (Format, error) {
	var tomlDoc map[string]interface{}
	if _, err := toml.Decode(string(content), &tomlDoc); err == nil {
		if _, ok := tomlDoc["mcp_servers"]; ok {
			return FormatCodex, nil
		}
	}

	if standardized, err := hujson.Standardize(content); err == nil {
		var jsonDoc map[string]interface{}
		if err := json.Unmarshal(standardized, &jsonDoc); err == nil {
			if _, ok := jsonDoc["mcpServers"]; ok {
				return FormatClaude, nil
			}
		}
	}

	return "", apperr.New(apperr.KindParse,
		"cannot detect import format: expected a JSON document with an \"mcpServers\" object or a TOML document with [mcp_servers.*] tables")
}
